package network

import (
	"github.com/pkg/errors"
)

// cycler wraps a finite DataSource so it restarts from the beginning
// whenever it runs out. Secondary sources in mixed-batch training are
// usually smaller than the primary one and must not end the epoch
// early. Each cycler owns its iteration state, so train and eval never
// share an exhausted pass.
type cycler struct {
	src     DataSource
	started bool
}

func newCycler(src DataSource) *cycler {
	return &cycler{src: src}
}

// next returns the next batch, re-acquiring a fresh pass over the
// underlying source on exhaustion. An empty source cannot be cycled.
func (c *cycler) next() (*Batch, error) {
	if !c.started {
		c.src.Reset()
		c.started = true
	}

	batch, err := c.src.Next()
	if err != nil {
		return nil, err
	}
	if batch != nil {
		return batch, nil
	}

	c.src.Reset()
	batch, err = c.src.Next()
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, errors.New("cannot cycle an empty data source")
	}
	return batch, nil
}
