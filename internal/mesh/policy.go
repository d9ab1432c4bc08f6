package mesh

import "time"

// StagePolicy bounds one interview stage's request/response exchange.
type StagePolicy struct {
	Timeout time.Duration
	Retries int
}

// ParameterSet lists configuration parameters to read from one product
// during the Configuration stage.
type ParameterSet struct {
	Product    ManufacturerInfo
	Parameters []uint8
}

// PipelineConfig holds the interview policy.
type PipelineConfig struct {
	// MaxConcurrent caps simultaneous interviews on the shared channel.
	MaxConcurrent int

	// Retries is the resend budget for stages without an override.
	Retries int

	// BackoffBase is the delay before the first resend; each further
	// resend doubles it up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Stages overrides the default policy per stage.
	Stages map[Stage]StagePolicy

	// Parameters drives the Configuration stage.
	Parameters []ParameterSet

	// AwakeWindow is how long a sleeping node is treated as awake after
	// its wake-up notification.
	AwakeWindow time.Duration
}

// Policy defaults.
const (
	DefaultMaxConcurrent = 4
	DefaultStageRetries  = 3
	DefaultBackoffBase   = 500 * time.Millisecond
	DefaultBackoffMax    = 8 * time.Second
	DefaultAwakeWindow   = 10 * time.Second
)

var defaultStageTimeouts = map[Stage]time.Duration{
	StageIdentify:             2 * time.Second,
	StageProtocolInfo:         2 * time.Second,
	StageNodeInfo:             5 * time.Second,
	StageManufacturerSpecific: 5 * time.Second,
	StageVersion:              5 * time.Second,
	StageSecurity:             10 * time.Second,
	StageAssociations:         5 * time.Second,
	StageConfiguration:        5 * time.Second,
}

// DefaultPipelineConfig returns the stock interview policy.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxConcurrent: DefaultMaxConcurrent,
		Retries:       DefaultStageRetries,
		BackoffBase:   DefaultBackoffBase,
		BackoffMax:    DefaultBackoffMax,
		AwakeWindow:   DefaultAwakeWindow,
	}
}

// withDefaults fills zero fields.
func (c PipelineConfig) withDefaults() PipelineConfig {
	d := DefaultPipelineConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.Retries < 0 {
		c.Retries = d.Retries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(d.BackoffMax, c.BackoffBase)
	}
	if c.AwakeWindow <= 0 {
		c.AwakeWindow = d.AwakeWindow
	}
	return c
}

// Policy returns the effective policy for stage s.
func (c PipelineConfig) Policy(s Stage) StagePolicy {
	p := StagePolicy{Timeout: defaultStageTimeouts[s], Retries: c.Retries}
	if o, ok := c.Stages[s]; ok {
		if o.Timeout > 0 {
			p.Timeout = o.Timeout
		}
		if o.Retries > 0 {
			p.Retries = o.Retries
		}
	}
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	return p
}

// Backoff returns the delay before resend number attempt (1-based).
func (c PipelineConfig) Backoff(attempt int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return min(d, c.BackoffMax)
}

// parametersFor returns the configuration parameters for a product.
func (c PipelineConfig) parametersFor(m *ManufacturerInfo) []uint8 {
	if m == nil {
		return nil
	}
	for _, set := range c.Parameters {
		if set.Product == *m {
			return set.Parameters
		}
	}
	return nil
}
