package pool

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"aigateway-go/internal/constants"
	"aigateway-go/internal/monitoring"
)

// defaultProbeModels pick the minimal probe model per protocol family when a
// credential carries no checkModelName of its own.
var defaultProbeModels = map[string]string{
	"claude": constants.DefaultHealthCheckModel,
	"gemini": "gemini-2.5-flash",
	"openai": "gpt-4o-mini",
}

// StartHealthChecks launches the periodic probe loop. An immediate initial
// sweep runs with the 2-minute back-off suspended so restarts re-verify
// persisted unhealthy credentials right away.
func (m *Manager) StartHealthChecks() {
	m.mu.Lock()
	if m.probeStarted || m.probeInterval <= 0 {
		m.mu.Unlock()
		return
	}
	m.probeStarted = true
	m.mu.Unlock()

	m.probeWG.Add(1)
	go func() {
		defer m.probeWG.Done()
		m.PerformHealthChecks(context.Background(), true)

		ticker := time.NewTicker(m.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.probeDone:
				return
			case <-ticker.C:
				m.PerformHealthChecks(context.Background(), false)
			}
		}
	}()
}

// PerformHealthChecks sweeps every credential. Healthy credentials are
// skipped: real traffic verifies them implicitly. Unhealthy credentials are
// probed with a minimal request unless their last error is younger than the
// probe back-off (suspended when isInit).
func (m *Manager) PerformHealthChecks(ctx context.Context, isInit bool) {
	type probeItem struct {
		providerType string
		cred         *Credential
		adapter      Adapter
	}

	now := time.Now()
	var items []probeItem

	m.mu.Lock()
	for providerType, creds := range m.pools {
		adapter := m.adapters[providerType]
		for _, c := range creds {
			if c.Healthy() || c.Disabled() {
				continue
			}
			if !c.shouldProbe() {
				monitoring.ProbesTotal.WithLabelValues(providerType, "skipped").Inc()
				continue
			}
			if !isInit {
				if age, ok := c.lastErrorAge(now); ok && age < constants.HealthProbeBackoff {
					monitoring.ProbesTotal.WithLabelValues(providerType, "skipped").Inc()
					continue
				}
			}
			if adapter == nil {
				continue
			}
			items = append(items, probeItem{providerType: providerType, cred: c, adapter: adapter})
		}
	}
	m.mu.Unlock()

	for _, it := range items {
		if err := m.probeLimiter.Wait(ctx); err != nil {
			return
		}
		model := it.cred.probeModel(defaultProbeModels[constants.ProtocolPrefix(it.providerType)])

		probeCtx, cancel := context.WithTimeout(ctx, constants.HealthProbeTimeout)
		err := m.probe(probeCtx, it.adapter, it.cred, model)
		cancel()

		if err != nil {
			monitoring.ProbesTotal.WithLabelValues(it.providerType, "failure").Inc()
			it.cred.recordHealthCheck(time.Now(), model)
			m.MarkProviderUnhealthy(it.providerType, it.cred, err.Error())
			log.Debugf("pool: probe failed for %s (%s): %v", it.cred.UUID, it.providerType, err)
			continue
		}
		monitoring.ProbesTotal.WithLabelValues(it.providerType, "success").Inc()
		m.MarkProviderHealthy(it.providerType, it.cred, true, model)
	}
}

// probe isolates adapter panics; a panicking probe counts as a failure.
func (m *Manager) probe(ctx context.Context, a Adapter, cred *Credential, model string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	return a.Probe(ctx, cred, model)
}
