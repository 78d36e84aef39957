package processor

import (
	"context"
	"hash/fnv"
)

// NullDriver is a driver with no underlying browser. Used by the simulated
// processor and by tests.
type NullDriver struct{}

func (NullDriver) Release() error { return nil }

// NullDriverFactory hands out NullDrivers.
type NullDriverFactory struct{}

func (NullDriverFactory) Acquire(ctx context.Context) (Driver, error) {
	return NullDriver{}, nil
}

// Simulated is a deterministic stand-in for a real portal scraper, used when
// the server runs without browser drivers. Outcomes derive from a hash of
// the DNI so repeated runs agree: roughly half the keys hit at each stage.
type Simulated struct {
	// Stage tags the simulated portal ("sunedu" or "minedu").
	Stage string
	// Payload fields emitted on a hit.
	Fields map[string]string
}

// NewSimulated builds a simulated processor for a stage.
func NewSimulated(stage string) *Simulated {
	fields := map[string]string{
		"name":        "SIMULATED HOLDER",
		"institution": "UNIVERSIDAD SIMULADA",
	}
	if stage == "minedu" {
		fields["title"] = "TITULO TECNICO SIMULADO"
		fields["issue_date"] = "2020-01-01"
	} else {
		fields["grade"] = "BACHILLER SIMULADO"
		fields["diploma_date"] = "2020-01-01"
	}
	return &Simulated{Stage: stage, Fields: fields}
}

// Process resolves deterministically from the DNI hash.
func (p *Simulated) Process(ctx context.Context, _ Driver, dni string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	h := fnv.New32a()
	h.Write([]byte(p.Stage))
	h.Write([]byte(dni))
	if h.Sum32()%2 == 0 {
		payload := make(map[string]string, len(p.Fields)+1)
		for k, v := range p.Fields {
			payload[k] = v
		}
		payload["dni"] = dni
		return Found(payload), nil
	}
	return NotFound("sin resultados"), nil
}
