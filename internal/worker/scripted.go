package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Nitorac/esbonio/internal/contracts"
	"github.com/google/uuid"
)

// ScriptedBuild is one pre-programmed build outcome.
type ScriptedBuild struct {
	Result contracts.BuildResult
	Err    error
}

// ScriptedClient is an in-memory Client returning pre-programmed results.
// Builds are consumed in order; the last one repeats.
type ScriptedClient struct {
	appState

	CreateResult contracts.AppInfo
	CreateErr    error
	Builds       []ScriptedBuild

	StartupDelay time.Duration
	BuildDelay   time.Duration
	// BuildGate, when set, blocks every build until a value is received.
	BuildGate chan struct{}
	StopErr   error

	mu       sync.Mutex
	next     int
	creates  atomic.Int32
	builds   atomic.Int32
	stops    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

// NewScriptedClient returns a client whose application is created with a
// random ID under buildURI.
func NewScriptedClient(buildURI string, builds ...ScriptedBuild) *ScriptedClient {
	return &ScriptedClient{
		CreateResult: contracts.AppInfo{
			ID:       uuid.NewString(),
			Builder:  "html",
			BuildURI: buildURI,
		},
		Builds: builds,
	}
}

func (c *ScriptedClient) CreateApplication(ctx context.Context, _ contracts.AppConfig) (contracts.AppInfo, error) {
	c.creates.Add(1)
	if c.created() {
		return contracts.AppInfo{}, ErrAlreadyCreated
	}
	if err := sleep(ctx, c.StartupDelay); err != nil {
		return contracts.AppInfo{}, &CreationError{Project: c.CreateResult.ConfURI, Cause: err}
	}
	if c.CreateErr != nil {
		return contracts.AppInfo{}, &CreationError{Project: c.CreateResult.ConfURI, Cause: c.CreateErr}
	}
	c.setInfo(c.CreateResult)
	return c.CreateResult, nil
}

func (c *ScriptedClient) Build(ctx context.Context) (contracts.BuildResult, error) {
	if c.stopped.Load() {
		return contracts.BuildResult{}, ErrStopped
	}
	if !c.created() {
		return contracts.BuildResult{}, ErrNotReady
	}

	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	c.builds.Add(1)

	if c.BuildGate != nil {
		select {
		case <-c.BuildGate:
		case <-ctx.Done():
			return contracts.BuildResult{}, &BuildError{Project: c.BuildURI(), Cause: ctx.Err()}
		}
	}
	if err := sleep(ctx, c.BuildDelay); err != nil {
		return contracts.BuildResult{}, &BuildError{Project: c.BuildURI(), Cause: err}
	}

	c.mu.Lock()
	var step ScriptedBuild
	if len(c.Builds) > 0 {
		i := min(c.next, len(c.Builds)-1)
		step = c.Builds[i]
		c.next++
	}
	c.mu.Unlock()

	if step.Err != nil {
		return contracts.BuildResult{}, &BuildError{Project: c.BuildURI(), Cause: step.Err}
	}
	c.replaceFiles(step.Result.FileMap)
	return step.Result, nil
}

func (c *ScriptedClient) Stop(context.Context) error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	c.stops.Add(1)
	return c.StopErr
}

// Creates counts CreateApplication calls.
func (c *ScriptedClient) Creates() int { return int(c.creates.Load()) }

// BuildCalls counts Build calls that passed the readiness check.
func (c *ScriptedClient) BuildCalls() int { return int(c.builds.Load()) }

// Stops counts effective Stop calls.
func (c *ScriptedClient) Stops() int { return int(c.stops.Load()) }

// MaxConcurrentBuilds is the most builds ever observed running at once.
func (c *ScriptedClient) MaxConcurrentBuilds() int { return int(c.maxSeen.Load()) }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
