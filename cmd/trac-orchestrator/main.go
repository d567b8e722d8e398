// Command trac-orchestrator runs the Job Orchestrator: the job cache (C3),
// batch executor driver (C4), and job executor supervisor (C5) composed
// behind a small JSON control surface.
package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tracdap.evalgo.org/cache"
	"tracdap.evalgo.org/config"
	"tracdap.evalgo.org/errs"
	"tracdap.evalgo.org/executor"
	"tracdap.evalgo.org/jobsup"
	"tracdap.evalgo.org/lifecycle"
	"tracdap.evalgo.org/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trac-orchestrator",
	Short: "TRAC job orchestrator: durable batch job submission and polling",
	Run:   run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path")
}

func main() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		_ = viper.ReadInConfig()
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(lifecycle.ExitFatal)
	}
}

func run(cmd *cobra.Command, args []string) {
	execCfg := config.LoadExecutorConfig()
	cacheCfg := config.LoadCacheConfig()
	log := logging.New(logging.DefaultConfig("trac-orchestrator", "0.1.0"))

	var jobCache cache.Cache
	var supervisor *jobsup.Supervisor
	e := echo.New()
	e.HideBanner = true

	sweeper := lifecycle.NewTickerService("cache-sweeper", cacheCfg.SweepInterval, func(ctx context.Context) {
		mc, ok := jobCache.(*cache.MemCache)
		if !ok {
			return
		}
		removed, err := mc.Sweep(ctx, cacheCfg.SweepMaxAge)
		if err != nil {
			log.WithError(err).Warn("cache sweep failed")
			return
		}
		if removed > 0 {
			log.WithField("removed", removed).Debug("swept stale cache entries")
		}
	})

	runner := lifecycle.NewRunner(log, 30*time.Second, 5*time.Second, lifecycle.Service{
		Name:            "job-orchestrator",
		StartupTimeout:  10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Startup: func(ctx context.Context) error {
			c, err := buildCache(ctx, cacheCfg)
			if err != nil {
				return err
			}
			jobCache = c

			exec, err := buildExecutor(ctx, execCfg)
			if err != nil {
				return err
			}

			supervisor = jobsup.NewSupervisor(jobCache, exec, noRuntimeClient{}, jobsup.Config{
				RuntimeAPIEnabled: execCfg.RuntimeAPI,
				LogVolumeEnabled:  execCfg.LogVolumeEnabled,
				ResultVolumeName:  "output",
			})

			e.Use(middleware.Logger())
			e.Use(middleware.Recover())
			registerOrchestratorHandlers(e, supervisor)

			go func() {
				addr := ":" + strconv.Itoa(execCfg.Port)
				if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
					log.WithError(err).Error("orchestrator listener stopped")
				}
			}()
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			if err := e.Shutdown(ctx); err != nil {
				return err
			}
			if jobCache != nil {
				return jobCache.Close()
			}
			return nil
		},
	}, sweeper)

	os.Exit(runner.Run(context.Background()))
}

func buildCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Kind {
	case "redis":
		return cache.NewRedisCache(ctx, cache.RedisConfig{RedisURL: cfg.RedisURL, KeyPrefix: cfg.KeyPrefix})
	default:
		return cache.NewMemCache(), nil
	}
}

func buildExecutor(ctx context.Context, cfg config.ExecutorConfig) (executor.Executor, error) {
	switch cfg.Kind {
	case "ssh":
		key, err := os.ReadFile(cfg.SSHKeyRef)
		if err != nil {
			return nil, errs.Wrap(errs.Startup, err, "reading SSH signing key %s", cfg.SSHKeyRef)
		}
		return executor.NewSSHExecutor(ctx, cfg.SSHHost, cfg.SSHPort, cfg.SSHUser, key, cfg.BatchDir)
	case "container":
		return executor.NewContainerExecutor(cfg.BatchDir, cfg.ContainerImage), nil
	default:
		return executor.NewLocalExecutor(cfg.BatchDir), nil
	}
}

// noRuntimeClient reports the absence of an in-batch runtime API, for
// deployments that run with executor.FeatureExposePort disabled or
// RuntimeAPIEnabled=false, so jobsup.Supervisor never reaches it.
type noRuntimeClient struct{}

func (noRuntimeClient) GetJobStatus(ctx context.Context, address string) (jobsup.JobStatus, error) {
	return "", errs.New(errs.ExecutorFailure, "runtime API client not configured")
}

func (noRuntimeClient) GetJobResult(ctx context.Context, address string) ([]byte, error) {
	return nil, errs.New(errs.ExecutorFailure, "runtime API client not configured")
}

func registerOrchestratorHandlers(e *echo.Echo, supervisor *jobsup.Supervisor) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	e.POST("/v1/jobs/:jobId", func(c echo.Context) error {
		jobID := c.Param("jobId")
		var body struct {
			JobConfig interface{} `json:"job_config"`
			SysConfig interface{} `json:"sys_config"`
		}
		if err := c.Bind(&body); err != nil {
			return writeError(c, errs.New(errs.Validation, "invalid request body: %v", err))
		}
		job, err := supervisor.SubmitOneShot(c.Request().Context(), jobID, body.JobConfig, body.SysConfig)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, job)
	})

	e.GET("/v1/jobs/:jobId/status", func(c echo.Context) error {
		status, err := supervisor.PollStatus(c.Request().Context(), c.Param("jobId"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": string(status)})
	})

	e.GET("/v1/jobs/:jobId/result/:key", func(c echo.Context) error {
		data, err := supervisor.GetResult(c.Request().Context(), c.Param("jobId"), c.Param("key"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSONBlob(http.StatusOK, data)
	})
}

func writeError(c echo.Context, err error) error {
	kind := errs.KindOf(err)
	return c.JSON(errs.ToHTTP(kind), map[string]string{
		"kind":    string(kind),
		"message": err.Error(),
	})
}
