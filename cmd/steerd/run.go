package main

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/apexsims/steer/assemble"
	"github.com/apexsims/steer/collective"
	"github.com/apexsims/steer/config"
	"github.com/apexsims/steer/forcelog"
	"github.com/apexsims/steer/log"
	"github.com/apexsims/steer/metrics"
	"github.com/apexsims/steer/runtime"
	"github.com/apexsims/steer/session"
	"github.com/apexsims/steer/sim"
	"github.com/apexsims/steer/types"
)

// runCommand returns the run command. Flags override config file values.
func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run the built-in dynamics engine with a steering session attached",
		Action: runAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to steer.yaml config file",
			},
			// Session flags
			&cli.IntFlag{
				Name:  "port",
				Usage: "Listening port for steering clients (0 picks one)",
			},
			&cli.IntFlag{
				Name:  "period",
				Usage: "Default communication period in steps",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Block simulation start until a client connects",
			},
			&cli.BoolFlag{
				Name:  "terminatable",
				Usage: "Allow the client to terminate the run",
			},
			&cli.BoolFlag{
				Name:  "pull",
				Usage: "Allow the client to apply external forces",
			},
			&cli.StringFlag{
				Name:  "tracked",
				Usage: "Tracked atom indices, e.g. \"0,4,10-15\"",
			},
			// Force log flags
			&cli.StringFlag{
				Name:  "force-log",
				Usage: "Path of the steering force log",
			},
			&cli.BoolFlag{
				Name:  "append-log",
				Usage: "Append to an existing force log instead of truncating",
			},
			// Engine flags
			&cli.StringFlag{
				Name:  "integrator",
				Usage: "Integrator: md or minimize",
				Value: "md",
			},
			&cli.IntFlag{
				Name:  "atoms",
				Usage: "Number of atoms in the demo system",
			},
			&cli.Int64Flag{
				Name:  "steps",
				Usage: "Number of steps to run",
			},
			&cli.Float64Flag{
				Name:  "time-step",
				Usage: "Integration time step in ps",
			},
			&cli.Float64Flag{
				Name:  "box-edge",
				Usage: "Cubic box edge length in nm",
			},
			&cli.Int64Flag{
				Name:  "seed",
				Usage: "Velocity seed",
			},
			&cli.IntFlag{
				Name:  "ranks",
				Usage: "Number of in-process ranks to partition the system over",
			},
		},
	}
}

func runAction(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}
	logger := log.New("steerd")

	minimize := c.String("integrator") == "minimize"
	if minimize && cfg.Session.Enabled() {
		// A minimizer produces no dynamics worth steering. Serial runs
		// degrade to an unsteered run; parallel runs refuse outright.
		if cfg.Run.Ranks > 1 {
			return fmt.Errorf("steering a parallel minimization run is not supported")
		}
		logger.Warn("disabling the steering session: the minimize integrator has no dynamics", nil)
		cfg.Session.Wait = false
		cfg.Session.Terminatable = false
		cfg.Session.Pull = false
	}

	stop := make(chan struct{})
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		logger.Info("interrupt received, stopping after the current step", nil)
		close(stop)
	}()

	return runSteered(cfg, logger, stop, minimize)
}

// resolveConfig loads the config file when given and layers set flags over
// it.
func resolveConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	}

	if c.IsSet("port") {
		cfg.Session.Port = c.Int("port")
	}
	if c.IsSet("period") {
		cfg.Session.Period = c.Int("period")
	}
	if c.IsSet("wait") {
		cfg.Session.Wait = c.Bool("wait")
	}
	if c.IsSet("terminatable") {
		cfg.Session.Terminatable = c.Bool("terminatable")
	}
	if c.IsSet("pull") {
		cfg.Session.Pull = c.Bool("pull")
	}
	if c.IsSet("tracked") {
		indices, err := config.ParseIndexSpec(c.String("tracked"))
		if err != nil {
			return nil, err
		}
		cfg.Tracked.Indices = indices
	}
	if c.IsSet("force-log") {
		cfg.ForceLog.Path = c.String("force-log")
	}
	if c.IsSet("append-log") {
		cfg.ForceLog.Append = c.Bool("append-log")
	}
	if c.IsSet("atoms") {
		cfg.Run.Atoms = c.Int("atoms")
	}
	if c.IsSet("steps") {
		cfg.Run.Steps = c.Int64("steps")
	}
	if c.IsSet("time-step") {
		cfg.Run.TimeStep = c.Float64("time-step")
	}
	if c.IsSet("box-edge") {
		cfg.Run.BoxEdge = c.Float64("box-edge")
	}
	if c.IsSet("seed") {
		cfg.Run.Seed = c.Int64("seed")
	}
	if c.IsSet("ranks") {
		cfg.Run.Ranks = c.Int("ranks")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runSteered builds the session, engines, and drivers, and runs the step
// loop across all configured ranks.
func runSteered(cfg *config.Config, logger *log.Logger, stop <-chan struct{}, minimize bool) error {
	tracked := []int(cfg.Tracked.Indices)
	box := types.Box{
		{cfg.Run.BoxEdge, 0, 0},
		{0, cfg.Run.BoxEdge, 0},
		{0, 0, cfg.Run.BoxEdge},
	}
	x0, v0 := initialState(cfg.Run.Atoms, cfg.Run.BoxEdge, cfg.Run.Seed)
	if minimize {
		v0 = make([]types.Vec3, cfg.Run.Atoms)
	}

	var sess *session.Session
	collector := metrics.NewCollector()
	flog := forcelog.Discard()
	if cfg.Session.Enabled() {
		var err error
		if cfg.ForceLog.Path != "" {
			if cfg.ForceLog.Append {
				flog, err = forcelog.Append(cfg.ForceLog.Path)
			} else {
				flog, err = forcelog.Create(cfg.ForceLog.Path, len(tracked), cfg.Run.Atoms)
			}
			if err != nil {
				return err
			}
		}
		sess, err = session.New(session.Config{
			TrackedAtoms:  len(tracked),
			DefaultPeriod: cfg.Session.Period,
			Port:          cfg.Session.Port,
			WaitForClient: cfg.Session.Wait,
			Terminatable:  cfg.Session.Terminatable,
			AllowForces:   cfg.Session.Pull,
		}, logger, collector, flog)
		if err != nil {
			return err
		}
		defer sess.Close()
	} else {
		logger.Info("no steering session configured, running unsteered", nil)
	}
	defer flog.Close()

	ranks := cfg.Run.Ranks
	if sess == nil {
		// Without a session there is nothing to synchronize.
		ranks = 1
	}
	var comms []collective.Comm
	if ranks == 1 {
		comms = []collective.Comm{collective.Self{}}
	} else {
		comms = collective.NewGroup(ranks)
	}

	errs := make(chan error, ranks)
	for rank := 1; rank < ranks; rank++ {
		go func(rank int) {
			errs <- runRank(cfg, logger.With(map[string]any{"rank": rank}),
				comms[rank], nil, nil, box, x0, v0, tracked)
		}(rank)
	}
	errs <- runRank(cfg, logger, comms[0], sess, stop, box, x0, v0, tracked)

	var firstErr error
	for i := 0; i < ranks; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	if sess != nil {
		snap := collector.Snapshot()
		logger.Info("run complete", map[string]any{
			"connections":  snap.ConnectionsAccepted,
			"frames_sent":  snap.FramesSent,
			"force_batch":  snap.ForceBatches,
			"proto_errors": snap.ProtocolErrors,
		})
	}
	return nil
}

// runRank runs one rank's share of the step loop. Only rank 0 receives the
// session and the stop channel.
func runRank(cfg *config.Config, logger *log.Logger, comm collective.Comm,
	sess *session.Session, stop <-chan struct{},
	box types.Box, x0, v0 []types.Vec3, tracked []int) error {

	engine, err := sim.NewFreeFlight(box, cfg.Run.TimeStep, cloneVecs(x0), cloneVecs(v0))
	if err != nil {
		return err
	}
	mols := make([]assemble.Range, cfg.Run.Atoms)
	for i := range mols {
		mols[i] = assemble.Range{Begin: i, End: i + 1}
	}
	engine.SetMolecules(mols)

	if sess == nil && comm.Rank() == 0 {
		// Unsteered: integrate without any steering machinery.
		for step := int64(0); step < cfg.Run.Steps; step++ {
			select {
			case <-stop:
				return nil
			default:
			}
			engine.Step()
		}
		return nil
	}

	resolve := blockResolver(comm, cfg.Run.Atoms)
	set, err := assemble.NewTrackedSet(tracked)
	if err != nil {
		return err
	}
	set.Rebuild(resolve)
	asm, err := assemble.NewAssembly(comm, set, x0)
	if err != nil {
		return err
	}
	asm.SetMolecules(assemble.BuildMoleculeBlocks(set, mols))

	driver, err := runtime.New(runtime.Options{
		Comm:     comm,
		Session:  sess,
		Set:      set,
		Assembly: asm,
		Engine:   engine,
		Resolve:  resolve,
		Logger:   logger,
		Stop:     stop,
	})
	if err != nil {
		return err
	}
	if err := driver.Start(); err != nil {
		return err
	}

	for step := int64(0); step < cfg.Run.Steps; step++ {
		if comm.Rank() == 0 {
			select {
			case <-stop:
				driver.RequestStop()
			default:
			}
		}
		stopped, err := driver.Step(step, float64(step)*cfg.Run.TimeStep, false)
		if err != nil {
			return err
		}
		if stopped {
			logger.Info("stopping on request", map[string]any{"step": step})
			break
		}
		engine.Step()
	}
	return nil
}

// blockResolver partitions atoms into contiguous per-rank blocks. Local
// indices coincide with global ones since every rank integrates the full
// demo system and owns only its block for steering purposes.
func blockResolver(comm collective.Comm, atoms int) assemble.Resolver {
	chunk := (atoms + comm.Size() - 1) / comm.Size()
	lo := comm.Rank() * chunk
	hi := lo + chunk
	if hi > atoms {
		hi = atoms
	}
	return func(global int) (int, bool) {
		return global, global >= lo && global < hi
	}
}

// initialState places atoms on a cubic lattice inside the box and draws
// small random velocities from a seeded source for reproducible runs.
func initialState(n int, edge float64, seed int64) (x, v []types.Vec3) {
	rng := rand.New(rand.NewSource(seed))
	side := int(math.Ceil(math.Cbrt(float64(n))))
	spacing := edge / float64(side)
	x = make([]types.Vec3, n)
	v = make([]types.Vec3, n)
	for i := 0; i < n; i++ {
		x[i] = types.Vec3{
			(float64(i%side) + 0.5) * spacing,
			(float64((i/side)%side) + 0.5) * spacing,
			(float64(i/(side*side)) + 0.5) * spacing,
		}
		v[i] = types.Vec3{
			0.1 * (rng.Float64() - 0.5),
			0.1 * (rng.Float64() - 0.5),
			0.1 * (rng.Float64() - 0.5),
		}
	}
	return x, v
}

func cloneVecs(in []types.Vec3) []types.Vec3 {
	out := make([]types.Vec3, len(in))
	copy(out, in)
	return out
}
