package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jfilby/intentcode-sub000/internal/deps"
	"github.com/jfilby/intentcode-sub000/internal/gencache"
	"github.com/jfilby/intentcode-sub000/internal/graph"
	"github.com/jfilby/intentcode-sub000/internal/llm"
	"github.com/jfilby/intentcode-sub000/internal/report"
	"github.com/jfilby/intentcode-sub000/internal/syntax"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Inspect project dependencies",
}

var depsShowCmd = &cobra.Command{
	Use:   "show [project]",
	Short: "Print the effective dependency set from the graph",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDepsShow,
}

var depsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare each dependencies.yaml mirror against the graph",
	Long: `Exits with status 1 when any mirror is missing, out of date or was edited
by hand. The next build rewrites mirrors that are missing or out of date.`,
	Args: cobra.NoArgs,
	RunE: runDepsVerify,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check settings, credentials and graph integrity",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the generation cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show generation cache statistics",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached generation",
	Long:  `The next build calls the model for every unit of work.`,
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

func projectArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return ""
}

func runDepsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	projects, err := a.projects(projectArg(args))
	if err != nil {
		return err
	}
	p := report.New(cmd.OutOrStdout())
	for _, proj := range projects {
		root, err := a.projectRoot(ctx, proj)
		if err != nil {
			return err
		}
		set, err := deps.NewReconciler(a.db, a.logger).Effective(ctx, root)
		if err != nil {
			return err
		}
		p.Title(proj.Name)
		if len(set) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "  (no dependencies)")
			continue
		}
		p.Table(set)
	}
	return nil
}

func runDepsVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rec := deps.NewReconciler(a.db, a.logger)
	drifted := 0
	for i := range a.ws.Projects {
		proj := &a.ws.Projects[i]
		root, err := a.projectRoot(ctx, proj)
		if err != nil {
			return err
		}
		drift, err := rec.Verify(ctx, root, filepath.Join(a.ws.ProjectRoot(proj), deps.MirrorFile))
		if err != nil {
			return err
		}
		if !drift.InSync() {
			drifted++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", proj.Name, drift)
	}
	if drifted > 0 {
		return &reportedError{fmt.Errorf("%d dependency mirror(s) out of sync", drifted)}
	}
	return nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rows := map[string]string{
		"config": fmt.Sprintf("ok (%s, model %s)", a.cfg.Provider, a.cfg.Model),
	}
	failed := 0
	fail := func(name, msg string) {
		rows[name] = "FAIL " + msg
		failed++
	}

	store, err := openCredentials()
	if err != nil {
		return err
	}
	if key, err := llm.APIKey(a.cfg.Provider, store); err != nil {
		fail("credentials", err.Error())
	} else if key == "" {
		rows["credentials"] = "ok (provider needs no key)"
	} else {
		rows["credentials"] = "ok"
	}

	graphRow := func(name string, root *graph.Node) error {
		rep, err := a.db.Check(ctx, root)
		if err != nil {
			return err
		}
		if rep.OK() {
			rows["graph "+name] = rep.String()
		} else {
			fail("graph "+name, rep.String())
		}
		return nil
	}

	if err := graphRow(a.ws.Name, a.specRoot); err != nil {
		return err
	}
	for i := range a.ws.Projects {
		proj := &a.ws.Projects[i]
		if !syntax.Supported(proj.Language) {
			rows["syntax "+proj.Name] = fmt.Sprintf("no syntax check for %s", proj.Language)
		} else {
			rows["syntax "+proj.Name] = "ok"
		}
		root, err := a.projectRoot(ctx, proj)
		if err != nil {
			return err
		}
		if err := graphRow(a.ws.GraphID(proj), root); err != nil {
			return err
		}
	}

	p := report.New(cmd.OutOrStdout())
	p.Title("intentcode doctor")
	p.Table(rows)
	if failed > 0 {
		return &reportedError{errors.New("doctor found problems")}
	}
	return nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cache, err := gencache.New(ctx, a.db)
	if err != nil {
		return err
	}
	stats, err := cache.Stats(ctx)
	if err != nil {
		return err
	}
	p := report.New(cmd.OutOrStdout())
	p.Title("Generation cache")
	p.Table(map[string]string{
		"records": fmt.Sprint(stats.TotalEntries),
		"nodes":   fmt.Sprint(stats.Nodes),
	})
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cache, err := gencache.New(ctx, a.db)
	if err != nil {
		return err
	}
	if err := cache.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Generation cache cleared.")
	return nil
}
