package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/events"
)

type stubDepth struct{}

func (stubDepth) Pending() int { return 0 }

type stubDrops struct{}

func (stubDrops) Dropped() uint64 { return 0 }

// Each creation is counted exactly once, labeled by the flag carried on
// the creation event itself. An auto-approved transfer also validates
// in the same breath; that must not count a second creation.
func TestCreationCountedOncePerTransaction(t *testing.T) {
	m := New(stubDepth{}, stubDrops{})
	bus := events.NewBus(64)
	m.Observe(bus)

	bus.Emit(events.TopicTxCreated, "tx-1", map[string]interface{}{"auto_approved": false})
	bus.Emit(events.TopicTxCreated, "tx-2", map[string]interface{}{"auto_approved": true})
	bus.Emit(events.TopicTxValidated, "tx-2", map[string]interface{}{"auto_approved": true})
	bus.Close() // drains subscriber queues

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsCreated.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsCreated.WithLabelValues("true")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Timeouts))
}
