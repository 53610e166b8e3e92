package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/sceneforge/pkg/build"
	"github.com/go-go-golems/sceneforge/pkg/events"
	"github.com/go-go-golems/sceneforge/pkg/export"
	"github.com/go-go-golems/sceneforge/pkg/generation"
	"github.com/go-go-golems/sceneforge/pkg/logging"
	"github.com/go-go-golems/sceneforge/pkg/orchestrator"
	"github.com/go-go-golems/sceneforge/pkg/scene"
	"github.com/go-go-golems/sceneforge/pkg/server"
)

var rootCmd = &cobra.Command{
	Use:   "sceneforge",
	Short: "LLM-backed scene builder with content-addressed exports",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(viper.GetString("log-level"), viper.GetBool("with-caller"))
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scene service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("with-caller", false, "log caller information")
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose event router logging")

	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().String("base-url", "http://localhost:8080", "externally visible base URL for export links")
	serveCmd.Flags().String("workspace-dir", "", "directory for per-build workspaces (default: system temp)")
	serveCmd.Flags().String("shared-modules-dir", "", "pre-provisioned shared dependency set linked into every build")
	serveCmd.Flags().StringSlice("build-command", nil, "external compiler invocation")
	serveCmd.Flags().Duration("build-timeout", 2*time.Minute, "per-build compiler timeout")
	serveCmd.Flags().Int("max-retries", 2, "corrective rounds after a failed build")
	serveCmd.Flags().String("openai-api-key", "", "OpenAI API key")
	serveCmd.Flags().String("openai-model", "", "chat model to use")
	serveCmd.Flags().String("openai-base-url", "", "alternative OpenAI-compatible endpoint")
	serveCmd.Flags().Duration("collaborator-timeout", 2*time.Minute, "per-request collaborator timeout")
	serveCmd.Flags().String("templates", "", "additional scene template manifest (yaml)")

	cobra.CheckErr(viper.BindPFlags(rootCmd.PersistentFlags()))
	cobra.CheckErr(viper.BindPFlags(serveCmd.Flags()))
	viper.SetEnvPrefix("SCENEFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
}

func buildGenerator() (generation.Generator, error) {
	apiKey := viper.GetString("openai-api-key")
	if apiKey == "" {
		return nil, errors.New("openai-api-key is required (or SCENEFORGE_OPENAI_API_KEY)")
	}

	options := []generation.OpenAIOption{
		generation.WithTimeout(viper.GetDuration("collaborator-timeout")),
	}
	if model := viper.GetString("openai-model"); model != "" {
		options = append(options, generation.WithModel(model))
	}

	if baseURL := viper.GetString("openai-base-url"); baseURL != "" {
		config := go_openai.DefaultConfig(apiKey)
		config.BaseURL = baseURL
		return generation.NewOpenAIGeneratorWithConfig(config, options...), nil
	}
	return generation.NewOpenAIGenerator(apiKey, options...), nil
}

func serve(ctx context.Context) error {
	store := scene.NewStore()
	if manifest := viper.GetString("templates"); manifest != "" {
		if err := store.LoadTemplateManifest(manifest); err != nil {
			return err
		}
	}

	pipeline := build.NewPipeline(build.Config{
		WorkspaceRoot:    viper.GetString("workspace-dir"),
		SharedModulesDir: viper.GetString("shared-modules-dir"),
		CompilerCommand:  viper.GetStringSlice("build-command"),
		Timeout:          viper.GetDuration("build-timeout"),
	})
	if err := pipeline.EnsureSharedDependencies(); err != nil {
		return errors.Wrap(err, "build environment is not usable")
	}

	generator, err := buildGenerator()
	if err != nil {
		return err
	}

	router, err := events.NewRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return err
	}
	defer func() { _ = router.Close() }()

	exports := export.NewService(export.NewBuilder(viper.GetString("base-url")), store)

	// Warm the export cache off the request path whenever a scene changes.
	router.AddHandler("export-warmer", events.TopicSceneUpdated, func(msg *message.Message) error {
		ev, err := events.ParseSceneUpdated(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed scene update")
			return nil
		}
		if _, err := exports.Live(ev.SceneID); err != nil {
			log.Debug().Err(err).Str("scene_id", ev.SceneID).Msg("could not warm export")
		}
		return nil
	})

	orch := orchestrator.New(store, generator, pipeline, router.Publisher, orchestrator.Config{
		MaxRetries: viper.GetInt("max-retries"),
	})

	srv := server.New(store, exports, orch, router.Publisher)
	httpServer := &http.Server{
		Addr:    viper.GetString("addr"),
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return router.Run(groupCtx)
	})

	group.Go(func() error {
		<-router.Running()
		log.Info().Str("addr", httpServer.Addr).Msg("listening")
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}
