package engine

import (
	"time"

	"go.uber.org/zap"
)

// DecayPolicy selects when decay runs. Decay is never implicit unless a
// policy other than manual is chosen.
type DecayPolicy string

const (
	// DecayManual only decays on an explicit Decay call.
	DecayManual DecayPolicy = "manual"
	// DecayOnLoad decays once when the engine is constructed.
	DecayOnLoad DecayPolicy = "on_load"
	// DecayInterval decays on startup and then every DecayInterval.
	DecayInterval DecayPolicy = "interval"
)

func (p DecayPolicy) Valid() bool {
	switch p {
	case DecayManual, DecayOnLoad, DecayInterval:
		return true
	}
	return false
}

// StartDecayTimer runs decay once and then every DecayInterval until Stop.
// It does nothing unless the policy is interval.
func (e *Engine) StartDecayTimer() {
	if e.opts.DecayPolicy != DecayInterval {
		return
	}
	e.Decay()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.opts.DecayInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.Decay()
			case <-e.stopCh:
				e.log.Debug("decay timer stopped", zap.Duration("interval", e.opts.DecayInterval))
				return
			}
		}
	}()
}

// Stop shuts down the engine's background goroutines and waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
