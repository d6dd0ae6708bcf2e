package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(Config{Namespace: "test", Registerer: reg})

	c.SessionCreated("outgoing")
	c.SessionCreated("incoming")
	c.SessionTerminated("BYE", "remote", 3*time.Second)
	c.StateTransition("NULL", "INVITE_SENT")
	c.SFUOperation("attach", nil)
	c.SFUOperation("configure", errors.New("boom"))
	c.TrickleBatch(3)
	c.MembersDelta(2)
	c.MembersDelta(-1)
	c.PluginFailure("blur")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsTotal.WithLabelValues("outgoing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.terminalCauses.WithLabelValues("BYE", "remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sfuOperations.WithLabelValues("configure", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.members))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trickleBatches))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SessionCreated("outgoing")
		c.SessionTerminated("BYE", "local", time.Second)
		c.StateTransition("a", "b")
		c.SFUOperation("attach", nil)
		c.TrickleBatch(1)
		c.MembersDelta(1)
		c.PluginFailure("x")
		c.PluginResync("video")
	})
}
