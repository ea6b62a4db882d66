// Command imgforge resolves and assembles a package-based root filesystem
// from one or more APT repositories, per a declarative config file. Flag
// handling follows the teacher's cmd/deb-pm convention: stdlib flag,
// flag.ExitOnError subcommands, log.Fatal on a fatal setup error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ebcl-build/imgforge/build"
	"github.com/ebcl-build/imgforge/config"
	"github.com/rs/zerolog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "build":
		runBuild(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: imgforge <command> [flags]")
	fmt.Println("\nCommands:")
	fmt.Println("  build    Resolve and assemble a root filesystem image")
}

func runBuild(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to the build config file (YAML or JSON)")
	var outputPath string
	fs.StringVar(&outputPath, "output", "", "Path to write the composed archive")
	var cacheDir string
	fs.StringVar(&cacheDir, "cache-dir", defaultCacheDir(), "Persistent cache directory (spec-layout: blobs/, indexes/, staging/)")
	var networkDegree int
	fs.IntVar(&networkDegree, "network-degree", 8, "Max concurrent repository/package downloads")
	var decompressDegree int
	fs.IntVar(&decompressDegree, "decompress-degree", runtime.NumCPU(), "Max concurrent package extractions")
	var keepStaging bool
	fs.BoolVar(&keepStaging, "keep-staging", false, "Keep the staging directory after the build (or on failure/cancellation)")
	var verbose bool
	fs.BoolVar(&verbose, "verbose", false, "Enable debug-level logging")

	fs.Parse(args)

	if configPath == "" {
		log.Fatal("--config is required")
	}
	if outputPath == "" {
		log.Fatal("--output is required")
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := build.Options{
		CacheDir:         cacheDir,
		NetworkDegree:    networkDegree,
		DecompressDegree: decompressDegree,
		KeepStaging:      keepStaging,
		Logger:           &logger,
		Listener: func(e fmt.Stringer) {
			logger.Info().Msg(e.String())
		},
	}

	result, err := build.Run(ctx, cfg, opts, outputPath)
	if err != nil {
		log.Fatalf("build failed: %v", err)
	}

	fmt.Printf("Wrote %s (%d packages, build %s)\n", result.ArtifactPath, len(result.InstallSet), result.BuildID)
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/imgforge"
	}
	return ".imgforge-cache"
}
