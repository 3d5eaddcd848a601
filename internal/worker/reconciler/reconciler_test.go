// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/core/status"
	"github.com/juju/mongoriver/internal/checkpoint"
	"github.com/juju/mongoriver/internal/controlstore"
	"github.com/juju/mongoriver/internal/metrics"
	"github.com/juju/mongoriver/internal/topology"
	"github.com/juju/mongoriver/internal/worker/pipeline"
	"github.com/juju/mongoriver/internal/worker/pipeline/pipelinetest"
	"github.com/juju/mongoriver/internal/worker/reconciler"
)

const longWait = 10 * time.Second

type reconcilerSuite struct {
	testing.IsolationSuite

	ctx          context.Context
	clock        *testclock.Clock
	runtimeClock *testclock.Clock
	store        reconciler.ControlStore
	memory       *controlstore.MemoryStore
	checkpoints  *checkpoint.MemoryStore
	fixture      *pipelinetest.Fixture
}

var _ = gc.Suite(&reconcilerSuite{})

func (s *reconcilerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.ctx = context.Background()
	s.clock = testclock.NewClock(time.Now())
	s.runtimeClock = testclock.NewClock(time.Now())
	s.memory = controlstore.NewMemoryStore()
	s.store = s.memory
	s.checkpoints = checkpoint.NewMemoryStore()
	s.fixture = pipelinetest.NewFixture()
}

func (s *reconcilerSuite) putRiver(c *gc.C, name, servers string, desired status.Status) river.Definition {
	addrs, err := river.ParseServers(servers)
	c.Assert(err, jc.ErrorIsNil)
	def := river.Definition{
		Name:            name,
		Servers:         addrs,
		Database:        "shop",
		Collection:      "orders",
		InitialPosition: river.Position{T: 1000},
	}
	c.Assert(s.memory.PutDefinition(s.ctx, def), jc.ErrorIsNil)
	c.Assert(s.memory.SetDesiredStatus(s.ctx, name, desired), jc.ErrorIsNil)
	return def
}

func (s *reconcilerSuite) newWorker(c *gc.C) *reconciler.Reconciler {
	w, err := reconciler.NewWorker(reconciler.Config{
		ControlStore: s.store,
		NewRuntime: func(def river.Definition) (reconciler.Runtime, error) {
			return pipeline.NewRuntime(def, s.fixture.Config(s.memory, s.checkpoints, s.runtimeClock))
		},
		PollInterval: reconciler.DefaultPollInterval,
		Clock:        s.clock,
		Metrics:      metrics.NewMetricsCollector(),
		Logger:       loggo.GetLogger("mongoriver.test"),
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, w) })
	s.waitPass(c)
	return w
}

// waitPass waits for the running pass to complete.
func (s *reconcilerSuite) waitPass(c *gc.C) {
	c.Assert(s.clock.WaitAdvance(0, longWait, 1), jc.ErrorIsNil)
}

// runPass triggers another pass and waits for it to complete.
func (s *reconcilerSuite) runPass(c *gc.C) {
	c.Assert(s.clock.WaitAdvance(reconciler.DefaultPollInterval, longWait, 1), jc.ErrorIsNil)
	s.waitPass(c)
}

func (s *reconcilerSuite) desired(c *gc.C, name string) status.Status {
	desired, err := s.memory.GetDesiredStatus(s.ctx, name)
	c.Assert(err, jc.ErrorIsNil)
	return desired
}

func waitFor(c *gc.C, what string, cond func() bool) {
	deadline := time.After(longWait)
	for !cond() {
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *reconcilerSuite) TestValidateConfig(c *gc.C) {
	_, err := reconciler.NewWorker(reconciler.Config{})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *reconcilerSuite) TestStartIsIdempotent(c *gc.C) {
	s.putRiver(c, "p1", "a:27017", status.Running)
	w := s.newWorker(c)

	actual, err := w.ActualStatus("p1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(actual, gc.Equals, status.Running)

	s.runPass(c)
	s.runPass(c)

	actual, err = w.ActualStatus("p1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(actual, gc.Equals, status.Running)
	c.Check(s.fixture.Tailers(), gc.HasLen, 1)
	c.Check(s.fixture.Indexers(), gc.HasLen, 1)
	c.Check(s.fixture.Tailers()[0].Config.Start, gc.Equals, river.Position{T: 1000})
}

func (s *reconcilerSuite) TestPendingRiverIsNotStarted(c *gc.C) {
	s.putRiver(c, "p1", "a:27017", status.Pending)
	w := s.newWorker(c)

	c.Check(w.Names(), jc.DeepEquals, []string{"p1"})
	actual, err := w.ActualStatus("p1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(actual, gc.Equals, status.Stopped)
	c.Check(s.fixture.Tailers(), gc.HasLen, 0)
}

func (s *reconcilerSuite) TestNewRiverIsPickedUp(c *gc.C) {
	w := s.newWorker(c)
	c.Check(w.Names(), gc.HasLen, 0)

	s.putRiver(c, "p1", "a:27017", status.Running)
	s.runPass(c)

	actual, err := w.ActualStatus("p1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(actual, gc.Equals, status.Running)
}

func (s *reconcilerSuite) TestStopThenRestart(c *gc.C) {
	s.putRiver(c, "p1", "a:27017", status.Running)
	w := s.newWorker(c)

	c.Assert(s.memory.SetDesiredStatus(s.ctx, "p1", status.Stopped), jc.ErrorIsNil)
	s.runPass(c)
	actual, _ := w.ActualStatus("p1")
	c.Check(actual, gc.Equals, status.Stopped)
	c.Check(s.fixture.LiveTailers(), gc.HasLen, 0)

	c.Assert(s.memory.SetDesiredStatus(s.ctx, "p1", status.Restart), jc.ErrorIsNil)
	s.runPass(c)
	actual, _ = w.ActualStatus("p1")
	c.Check(actual, gc.Equals, status.Running)
	c.Check(s.desired(c, "p1"), gc.Equals, status.Running)
	c.Check(s.fixture.LiveTailers(), gc.HasLen, 1)
}

func (s *reconcilerSuite) TestSourceDroppedStopsRiver(c *gc.C) {
	s.putRiver(c, "p1", "a:27017", status.Running)
	w := s.newWorker(c)

	rt, ok := w.Runtime("p1")
	c.Assert(ok, jc.IsTrue)
	s.fixture.Tailers()[0].Fail(errors.Annotatef(river.ErrSourceDropped, "collection %q", "shop.orders"))
	waitFor(c, "interrupted river", func() bool {
		return rt.Actual() == status.Interrupted
	})
	c.Check(s.desired(c, "p1"), gc.Equals, status.SourceDropped)

	s.runPass(c)
	c.Check(rt.Actual(), gc.Equals, status.SourceDropped)

	s.runPass(c)
	s.runPass(c)
	c.Check(rt.Actual(), gc.Equals, status.SourceDropped)
	c.Check(s.desired(c, "p1"), gc.Equals, status.SourceDropped)
	c.Check(s.fixture.Tailers(), gc.HasLen, 1)
	c.Check(s.fixture.Indexers(), gc.HasLen, 1)
}

func (s *reconcilerSuite) TestInterruptedRiverIsRestarted(c *gc.C) {
	s.putRiver(c, "p1", "a:27017", status.Running)
	w := s.newWorker(c)

	rt, _ := w.Runtime("p1")
	s.fixture.Indexers()[0].Fail(errors.New("mapping conflict"))
	waitFor(c, "interrupted river", func() bool {
		return rt.Actual() == status.Interrupted
	})

	s.runPass(c)
	c.Check(rt.Actual(), gc.Equals, status.Running)
	c.Check(s.fixture.Indexers(), gc.HasLen, 2)
}

func (s *reconcilerSuite) updateServers(c *gc.C, name, value string) []river.ServerAddress {
	servers, err := river.ParseServers(value)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.memory.UpdateServers(s.ctx, name, servers), jc.ErrorIsNil)
	c.Assert(s.memory.RaiseConfigSignal(s.ctx, name), jc.ErrorIsNil)
	return servers
}

func (s *reconcilerSuite) TestStartAppliesPendingReconfiguration(c *gc.C) {
	s.putRiver(c, "p1", "a:27017", status.Running)
	w := s.newWorker(c)

	c.Assert(s.memory.SetDesiredStatus(s.ctx, "p1", status.Stopped), jc.ErrorIsNil)
	s.runPass(c)
	actual, _ := w.ActualStatus("p1")
	c.Assert(actual, gc.Equals, status.Stopped)

	// The old servers are gone, so starting with them fails.
	s.fixture.SetUnreachable("a:27017", true)
	c.Assert(s.memory.SetDesiredStatus(s.ctx, "p1", status.Running), jc.ErrorIsNil)
	s.runPass(c)
	actual, _ = w.ActualStatus("p1")
	c.Assert(actual, gc.Equals, status.StartFailed)
	c.Assert(s.desired(c, "p1"), gc.Equals, status.StartFailed)

	servers := s.updateServers(c, "p1", "b:27017")
	c.Assert(s.memory.SetDesiredStatus(s.ctx, "p1", status.Running), jc.ErrorIsNil)
	s.runPass(c)

	actual, _ = w.ActualStatus("p1")
	c.Check(actual, gc.Equals, status.Running)
	c.Check(s.desired(c, "p1"), gc.Equals, status.Running)
	live := s.fixture.LiveTailers()
	c.Assert(live, gc.HasLen, 1)
	c.Check(live[0].Config.Servers, jc.DeepEquals, servers)
	signal, err := s.memory.GetConfigSignal(s.ctx, "p1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(signal, gc.Equals, status.SignalNormal)

	rt, ok := w.Runtime("p1")
	c.Assert(ok, jc.IsTrue)
	c.Check(rt.(*pipeline.Runtime).Definition().Servers, jc.DeepEquals, servers)

	s.runPass(c)
	c.Check(s.fixture.Tailers(), gc.HasLen, 2)
}

func (s *reconcilerSuite) TestRestartAppliesPendingReconfiguration(c *gc.C) {
	s.putRiver(c, "p1", "a:27017", status.Running)
	w := s.newWorker(c)

	servers := s.updateServers(c, "p1", "b:27017")
	c.Assert(s.memory.SetDesiredStatus(s.ctx, "p1", status.Restart), jc.ErrorIsNil)
	s.runPass(c)

	actual, _ := w.ActualStatus("p1")
	c.Check(actual, gc.Equals, status.Running)
	c.Check(s.desired(c, "p1"), gc.Equals, status.Running)
	live := s.fixture.LiveTailers()
	c.Assert(live, gc.HasLen, 1)
	c.Check(live[0].Config.Servers, jc.DeepEquals, servers)
	signal, err := s.memory.GetConfigSignal(s.ctx, "p1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(signal, gc.Equals, status.SignalNormal)
}

func (s *reconcilerSuite) TestFailedShardIsRespawned(c *gc.C) {
	addrs := func(value string) []river.ServerAddress {
		servers, err := river.ParseServers(value)
		c.Assert(err, jc.ErrorIsNil)
		return servers
	}
	s.fixture.Shards["mongos:27017"] = []topology.Shard{
		{Name: "rs0", Servers: addrs("r0:27017")},
		{Name: "rs1", Servers: addrs("r1:27017")},
	}
	s.putRiver(c, "p2", "mongos:27017", status.Running)
	w := s.newWorker(c)
	c.Assert(s.fixture.LiveTailers(), gc.HasLen, 2)

	s.fixture.Tailers()[1].Fail(errors.New("primary stepped down"))
	waitFor(c, "shard rs1 respawning", func() bool {
		health, err := w.Health("p2")
		return err == nil && len(health.Respawning) == 1
	})
	s.runPass(c)
	actual, _ := w.ActualStatus("p2")
	c.Check(actual, gc.Equals, status.Running)

	c.Assert(s.runtimeClock.WaitAdvance(pipeline.DefaultRespawnDelay, longWait, 1), jc.ErrorIsNil)
	waitFor(c, "shard rs1 respawned", func() bool {
		return len(s.fixture.LiveTailers()) == 2
	})
	for i := 0; i < 3; i++ {
		s.runPass(c)
	}
	c.Check(s.fixture.LiveTailers(), gc.HasLen, 2)

	health, err := w.Health("p2")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(health.Shards, jc.DeepEquals, []string{"rs0", "rs1"})
	c.Check(health.Respawning, gc.HasLen, 0)

	_, err = w.Health("nope")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *reconcilerSuite) TestReconfigurationRebuilds(c *gc.C) {
	def := s.putRiver(c, "p1", "a:27017,b:27017", status.Running)
	w := s.newWorker(c)

	key := def.CheckpointKey("")
	c.Assert(s.checkpoints.PutCheckpoint(s.ctx, key, river.Position{T: 3000, I: 7}), jc.ErrorIsNil)

	servers, err := river.ParseServers("a:27017,b:27017,c:27017")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.memory.UpdateServers(s.ctx, "p1", servers), jc.ErrorIsNil)
	c.Assert(s.memory.RaiseConfigSignal(s.ctx, "p1"), jc.ErrorIsNil)

	s.runPass(c)

	actual, _ := w.ActualStatus("p1")
	c.Check(actual, gc.Equals, status.Running)
	signal, err := s.memory.GetConfigSignal(s.ctx, "p1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(signal, gc.Equals, status.SignalNormal)

	live := s.fixture.LiveTailers()
	c.Assert(live, gc.HasLen, 1)
	c.Check(live[0].Config.Servers, jc.DeepEquals, servers)
	c.Check(live[0].Config.Start, gc.Equals, river.Position{T: 3000, I: 7})

	pos, found, err := s.checkpoints.GetCheckpoint(s.ctx, key)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(found, jc.IsTrue)
	c.Check(pos, gc.Equals, river.Position{T: 3000, I: 7})

	// The signal is consumed.
	s.runPass(c)
	c.Check(s.fixture.Tailers(), gc.HasLen, 2)
}

func (s *reconcilerSuite) TestDeletedRiverIsDropped(c *gc.C) {
	s.putRiver(c, "p1", "a:27017", status.Running)
	w := s.newWorker(c)

	c.Assert(s.memory.DeletePipeline(s.ctx, "p1"), jc.ErrorIsNil)
	s.runPass(c)

	c.Check(w.Names(), gc.HasLen, 0)
	c.Check(s.fixture.LiveTailers(), gc.HasLen, 0)
	_, err := w.ActualStatus("p1")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *reconcilerSuite) TestRegisterAndUnregister(c *gc.C) {
	def := s.putRiver(c, "p1", "a:27017", status.Running)
	w := s.newWorker(c)

	err := w.Register(def)
	c.Check(err, jc.Satisfies, errors.IsAlreadyExists)

	c.Assert(w.Unregister(s.ctx, "p1"), jc.ErrorIsNil)
	c.Check(w.Names(), gc.HasLen, 0)
	c.Check(s.fixture.LiveTailers(), gc.HasLen, 0)

	err = w.Unregister(s.ctx, "p1")
	c.Check(err, jc.Satisfies, errors.IsNotFound)

	c.Assert(w.Register(def), jc.ErrorIsNil)
	c.Check(w.Names(), jc.DeepEquals, []string{"p1"})
}

func (s *reconcilerSuite) TestFailingRiverDoesNotAbortPass(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	good := s.putRiver(c, "good", "a:27017", status.Running)
	bad := s.putRiver(c, "bad", "b:27017", status.Running)

	store := NewMockControlStore(ctrl)
	store.EXPECT().ListPipelines(gomock.Any()).Return([]string{"bad", "good"}, nil)
	store.EXPECT().GetDefinition(gomock.Any(), "bad").Return(bad, nil)
	store.EXPECT().GetDefinition(gomock.Any(), "good").Return(good, nil)
	store.EXPECT().Snapshot(gomock.Any(), "bad").Return(status.Snapshot{}, errors.New("read timeout"))
	store.EXPECT().Snapshot(gomock.Any(), "good").Return(status.Snapshot{
		Desired: status.Running,
		Signal:  status.SignalNormal,
	}, nil)
	s.store = store

	w := s.newWorker(c)

	actual, err := w.ActualStatus("good")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(actual, gc.Equals, status.Running)
	actual, err = w.ActualStatus("bad")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(actual, gc.Equals, status.Stopped)
}
