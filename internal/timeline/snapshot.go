package timeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/stepwise/internal/script"
)

// Mode selects between manual stepping and auto-play.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// ParseMode validates a play mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeManual, ModeAuto:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Snapshot is an immutable record of driver state taken right after a
// transition. Observers must treat it, including Payload, as read-only.
type Snapshot struct {
	RunID         string            `json:"runId"`
	Seq           uint64            `json:"seq"`
	ScenarioID    string            `json:"scenarioId"`
	StepIndex     int               `json:"stepIndex"`
	StepCount     int               `json:"stepCount"`
	SubPhase      string            `json:"subPhase"`
	Label         string            `json:"label"`
	NarrativeText string            `json:"narrativeText"`
	Payload       map[string]string `json:"payload,omitempty"`
	IsTerminal    bool              `json:"isTerminal"`
	Mode          Mode              `json:"mode,omitempty"`
	Speed         script.Speed      `json:"speed,omitempty"`
	Paused        bool              `json:"paused"`
	Delay         time.Duration     `json:"delay"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Observer receives snapshots synchronously on the emitting goroutine.
// Implementations must not call back into the emitter from Observe.
type Observer interface {
	Observe(Snapshot)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Snapshot)

// Observe calls f(s).
func (f ObserverFunc) Observe(s Snapshot) { f(s) }

// Observers is a registry of observers safe for concurrent subscription.
type Observers struct {
	mu   sync.RWMutex
	next int
	subs map[int]Observer
	ids  []int
}

// Add registers o and returns a function that removes it again.
func (o *Observers) Add(obs Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[int]Observer)
	}
	id := o.next
	o.next++
	o.subs[id] = obs
	o.ids = append(o.ids, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.subs, id)
			for i, v := range o.ids {
				if v == id {
					o.ids = append(o.ids[:i], o.ids[i+1:]...)
					break
				}
			}
		})
	}
}

// Notify delivers s to every registered observer in subscription order.
func (o *Observers) Notify(s Snapshot) {
	o.mu.RLock()
	list := make([]Observer, 0, len(o.ids))
	for _, id := range o.ids {
		list = append(list, o.subs[id])
	}
	o.mu.RUnlock()

	for _, obs := range list {
		obs.Observe(s)
	}
}
