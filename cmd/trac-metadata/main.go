// Command trac-metadata runs the Metadata Store Kernel (C2 over C1) as a
// standalone HTTP process, grounded on cli/root.go's cobra+viper+echo
// assembly.
package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tracdap.evalgo.org/config"
	"tracdap.evalgo.org/errs"
	"tracdap.evalgo.org/lifecycle"
	"tracdap.evalgo.org/logging"
	"tracdap.evalgo.org/metadata"
	"tracdap.evalgo.org/metadata/dialect"
)

var cfgFile string

// rootCmd is the trac-metadata process entry point.
var rootCmd = &cobra.Command{
	Use:   "trac-metadata",
	Short: "TRAC metadata store: object/version/tag lifecycle over a relational backend",
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
	cfg := config.LoadMetadataConfig()
	log := logging.New(logging.DefaultConfig("trac-metadata", "0.1.0"))

	var store *metadata.Store
	e := echo.New()
	e.HideBanner = true

	runner := lifecycle.NewRunner(log, 30*time.Second, 5*time.Second, lifecycle.Service{
		Name:            "metadata-kernel",
		StartupTimeout:  10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Startup: func(ctx context.Context) error {
			adapter, err := dialect.Open(ctx, cfg)
			if err != nil {
				return err
			}
			store = metadata.NewStore(adapter)

			e.Use(middleware.Logger())
			e.Use(middleware.Recover())
			registerMetadataHandlers(e, store)

			go func() {
				addr := ":" + strconv.Itoa(cfg.Port)
				if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
					log.WithError(err).Error("metadata listener stopped")
				}
			}()
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			if err := e.Shutdown(ctx); err != nil {
				return err
			}
			if store != nil {
				store.Close()
			}
			return nil
		},
	})

	os.Exit(runner.Run(context.Background()))
}

// registerMetadataHandlers mounts the metadata kernel's operations as JSON
// REST endpoints. This service is consumed through the gateway's REST↔gRPC
// translator in full deployments; the direct JSON binding here also serves
// as a thin debugging/admin surface, per the same "no half-finished
// implementations" principle that rules out leaving the kernel unreachable.
func registerMetadataHandlers(e *echo.Echo, store *metadata.Store) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	e.POST("/v1/:tenant/objects", func(c echo.Context) error {
		tenant := c.Param("tenant")
		var reqs []metadata.NewObjectRequest
		if err := c.Bind(&reqs); err != nil {
			return writeError(c, errs.New(errs.Validation, "invalid request body: %v", err))
		}
		headers, err := store.SaveNewObjects(c.Request().Context(), tenant, reqs)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, headers)
	})

	e.GET("/v1/:tenant/objects/:type/:id", func(c echo.Context) error {
		tenant := c.Param("tenant")
		objType := metadata.ObjectType(c.Param("type"))
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			return writeError(c, errs.Wrap(errs.Validation, err, "invalid object id"))
		}

		sel := metadata.Selector{
			Tenant:        tenant,
			ObjectType:    objType,
			ObjectID:      id,
			LatestVersion: true,
			LatestTag:     true,
		}
		tag, err := store.LoadObject(c.Request().Context(), sel)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, tag)
	})

	e.GET("/v1/:tenant/objects/:type", func(c echo.Context) error {
		tenant := c.Param("tenant")
		objType := metadata.ObjectType(c.Param("type"))
		pageSize, _ := strconv.Atoi(c.QueryParam("pageSize"))

		headers, nextToken, err := store.ListObjects(c.Request().Context(), tenant, objType, c.QueryParam("pageToken"), pageSize)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"objects":       headers,
			"nextPageToken": nextToken,
		})
	})

	e.PUT("/v1/tenants/:code", func(c echo.Context) error {
		var body struct {
			Description string `json:"description"`
		}
		if err := c.Bind(&body); err != nil {
			return writeError(c, errs.New(errs.Validation, "invalid request body: %v", err))
		}
		t := metadata.Tenant{Code: c.Param("code"), Description: body.Description}
		if err := store.UpdateTenant(c.Request().Context(), t); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, t)
	})

	e.POST("/v1/:tenant/search", func(c echo.Context) error {
		tenant := c.Param("tenant")
		var req metadata.SearchRequest
		if err := c.Bind(&req); err != nil {
			return writeError(c, errs.New(errs.Validation, "invalid request body: %v", err))
		}
		req.Tenant = tenant
		tags, err := store.Search(c.Request().Context(), req)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, tags)
	})

	e.GET("/v1/tenants", func(c echo.Context) error {
		tenants, err := store.ListTenants(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, tenants)
	})
}

// writeError maps err onto the standard HTTP error envelope, using
// errs.ToHTTP's Kind-to-status table, per §7.
func writeError(c echo.Context, err error) error {
	kind := errs.KindOf(err)
	return c.JSON(errs.ToHTTP(kind), map[string]string{
		"kind":    string(kind),
		"message": err.Error(),
	})
}
