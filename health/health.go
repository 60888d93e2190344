package health

import "context"

type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}

// CheckAll runs every check and returns the name of the first failing one.
func CheckAll(ctx context.Context, checks []ReadinessCheck) (string, error) {
	for _, c := range checks {
		if c == nil {
			continue
		}
		if err := c.IsReady(ctx); err != nil {
			return c.Name(), err
		}
	}
	return "", nil
}
