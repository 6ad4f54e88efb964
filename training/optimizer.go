package training

import (
	"fmt"

	"github.com/georgezywang/mrs/network"
	"github.com/georgezywang/mrs/tensor"
)

// SGD implements stochastic gradient descent over parameter groups,
// each with its own learning rate. The encoder/decoder split of
// Model.TrainParams maps directly onto the groups.
type SGD struct {
	groups      []network.ParamGroup
	momentum    float64
	weightDecay float64
	velocities  map[*tensor.Tensor]*tensor.Tensor
}

// NewSGD creates an SGD optimizer over the given parameter groups.
func NewSGD(groups []network.ParamGroup, momentum, weightDecay float64) *SGD {
	sgd := &SGD{
		groups:      groups,
		momentum:    momentum,
		weightDecay: weightDecay,
		velocities:  make(map[*tensor.Tensor]*tensor.Tensor),
	}

	if momentum > 0 {
		for _, group := range groups {
			for _, param := range group.Params {
				if param.RequiresGrad() {
					velocity, _ := tensor.Zeros(param.Shape, param.DType, param.Device)
					sgd.velocities[param] = velocity
				}
			}
		}
	}
	return sgd
}

// Step applies one update to every parameter that accumulated a
// gradient, scaled by its group's learning rate.
func (sgd *SGD) Step() error {
	for _, group := range sgd.groups {
		for _, param := range group.Params {
			if !param.RequiresGrad() || param.Grad() == nil {
				continue
			}

			grad := param.Grad()

			if sgd.weightDecay > 0 {
				decayTerm, err := tensor.Mul(param, tensor.FromScalar(sgd.weightDecay, param.DType, param.Device))
				if err != nil {
					return fmt.Errorf("weight decay multiplication failed: %v", err)
				}
				grad, err = tensor.Add(grad, decayTerm)
				if err != nil {
					return fmt.Errorf("weight decay addition failed: %v", err)
				}
			}

			if sgd.momentum > 0 {
				velocity := sgd.velocities[param]
				if velocity == nil {
					v, err := tensor.Zeros(param.Shape, param.DType, param.Device)
					if err != nil {
						return fmt.Errorf("velocity initialization failed: %v", err)
					}
					velocity = v
					sgd.velocities[param] = velocity
				}

				// velocity = momentum * velocity + grad
				momentumTerm, err := tensor.Mul(velocity, tensor.FromScalar(sgd.momentum, param.DType, param.Device))
				if err != nil {
					return fmt.Errorf("momentum term calculation failed: %v", err)
				}
				newVelocity, err := tensor.Add(momentumTerm, grad)
				if err != nil {
					return fmt.Errorf("velocity update failed: %v", err)
				}
				if err := velocity.SetData(newVelocity.Data); err != nil {
					return fmt.Errorf("velocity data update failed: %v", err)
				}
				grad = velocity
			}

			// param = param - lr * grad
			update, err := tensor.Mul(grad, tensor.FromScalar(group.LR, param.DType, param.Device))
			if err != nil {
				return fmt.Errorf("learning rate scaling failed: %v", err)
			}
			newData, err := tensor.Sub(param, update)
			if err != nil {
				return fmt.Errorf("parameter update failed: %v", err)
			}
			if err := param.SetData(newData.Data); err != nil {
				return fmt.Errorf("parameter data update failed: %v", err)
			}
		}
	}
	return nil
}

// ZeroGrad clears accumulated gradients for every parameter.
func (sgd *SGD) ZeroGrad() {
	for _, group := range sgd.groups {
		tensor.ZeroGrad(group.Params)
	}
}

// Groups returns the optimizer's parameter groups.
func (sgd *SGD) Groups() []network.ParamGroup {
	return sgd.groups
}

// SetLR changes the learning rate of one group, for external schedulers.
func (sgd *SGD) SetLR(group int, lr float64) error {
	if group < 0 || group >= len(sgd.groups) {
		return fmt.Errorf("group index %d out of range [0, %d)", group, len(sgd.groups))
	}
	sgd.groups[group].LR = lr
	return nil
}
