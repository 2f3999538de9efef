package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/trexsync/internal/catalog"
	"github.com/JonMunkholm/trexsync/internal/core"
	"github.com/JonMunkholm/trexsync/internal/document"
	"github.com/JonMunkholm/trexsync/internal/locale"
	"github.com/JonMunkholm/trexsync/internal/pipeline"
	"github.com/JonMunkholm/trexsync/internal/storage"
)

func newExportCommand(app *App) *cobra.Command {
	f := app.flags
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export translatable labels into a workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runExport(cmd.Context())
		},
	}
	fl := cmd.Flags()
	fl.StringArrayVar(&f.Docs, "doc", nil, "document to export, as file.xml or file.xml:TYPE (repeatable)")
	fl.StringSliceVarP(&f.Locales, "locale", "l", nil, "target locales, e.g. de_DE,fr_FR")
	fl.StringSliceVar(&f.EntityTypes, "entity-type", nil, "foundation object types to export from the catalog")
	fl.StringSliceVar(&f.ObjectIDs, "object", nil, "MDF object definitions to export from the catalog")
	fl.StringSliceVar(&f.Countries, "country", nil, "active countries for country-specific fields, e.g. USA,DEU (default all)")
	fl.BoolVar(&f.LegacyPicklists, "legacy-picklists", false, "export legacy picklist labels")
	fl.BoolVar(&f.MDFPicklists, "mdf-picklists", false, "export MDF picklist labels")
	fl.BoolVar(&f.FOTranslations, "fo-translations", false, "export foundation object translations")
	fl.StringVarP(&f.Out, "out", "o", f.Out, "workbook file to write")
	return cmd
}

func newImportCommand(app *App) *cobra.Command {
	f := app.flags
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a translated workbook into documents and the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runImport(cmd.Context())
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.Workbook, "workbook", "w", "", "translated workbook")
	fl.StringVarP(&f.Baseline, "baseline", "b", "", "workbook as originally exported")
	fl.StringArrayVar(&f.Docs, "doc", nil, "document to patch, as file.xml or file.xml:TYPE (repeatable)")
	fl.StringVar(&f.OutDir, "out-dir", f.OutDir, "directory for patched documents and the changelog")
	fl.BoolVar(&f.Push, "push", false, "push catalog changes to the HR platform")
	cmd.MarkFlagRequired("workbook")
	cmd.MarkFlagRequired("baseline")
	return cmd
}

func newLocalesCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "locales",
		Short: "List the locales configured on the HR platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runLocales(cmd.Context())
		},
	}
}

func newDetectCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "detect file.xml...",
		Short: "Print the data model type of each document",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runDetect(args)
		},
	}
}

func newHistoryCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs for the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runHistory(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&app.flags.Limit, "limit", "n", app.flags.Limit, "number of runs to show")
	return cmd
}

func (a *App) runExport(ctx context.Context) error {
	docs, err := readDocs(a.flags.Docs)
	if err != nil {
		return err
	}
	sel := pipeline.Selection{
		Locales:         a.flags.Locales,
		EntityTypes:     a.flags.EntityTypes,
		ObjectIDs:       a.flags.ObjectIDs,
		Countries:       a.flags.Countries,
		LegacyPicklists: a.flags.LegacyPicklists,
		MDFPicklists:    a.flags.MDFPicklists,
		FOTranslations:  a.flags.FOTranslations,
	}

	return a.withService(ctx, func(svc *core.Service) error {
		runID, err := svc.StartExport(cliRequester(ctx), a.flags.Project, core.ExportRequest{Documents: docs, Selection: sel})
		if err != nil {
			return err
		}
		res, err := a.follow(ctx, svc, runID)
		if err != nil {
			return err
		}
		if res.Artifact != "" {
			data, err := svc.ReadArtifact(ctx, res.Artifact)
			if err != nil {
				return err
			}
			if err := os.WriteFile(a.flags.Out, data, 0o644); err != nil {
				return fmt.Errorf("write workbook: %w", err)
			}
			fmt.Fprintf(a.out, "wrote %s\n", a.flags.Out)
		}
		return runError(res)
	})
}

func (a *App) runImport(ctx context.Context) error {
	workbook, err := os.ReadFile(a.flags.Workbook)
	if err != nil {
		return fmt.Errorf("read workbook: %w", err)
	}
	baseline, err := os.ReadFile(a.flags.Baseline)
	if err != nil {
		return fmt.Errorf("read baseline: %w", err)
	}
	docs, err := readDocs(a.flags.Docs)
	if err != nil {
		return err
	}

	return a.withService(ctx, func(svc *core.Service) error {
		runID, err := svc.StartImport(cliRequester(ctx), a.flags.Project, core.ImportRequest{
			Workbook:  workbook,
			Baseline:  baseline,
			Documents: docs,
			Push:      a.flags.Push,
		})
		if err != nil {
			return err
		}
		res, err := a.follow(ctx, svc, runID)
		if err != nil {
			return err
		}
		if err := a.writeArtifacts(ctx, svc, res); err != nil {
			return err
		}
		return runError(res)
	})
}

// writeArtifacts copies every artifact of an import into OutDir, named after
// the last key segment.
func (a *App) writeArtifacts(ctx context.Context, svc *core.Service, res *pipeline.Result) error {
	if len(res.Artifacts) == 0 {
		return nil
	}
	if err := os.MkdirAll(a.flags.OutDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	names := make([]string, 0, len(res.Artifacts))
	for name := range res.Artifacts {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		key := res.Artifacts[name]
		data, err := svc.ReadArtifact(ctx, key)
		if err != nil {
			return err
		}
		dest := filepath.Join(a.flags.OutDir, path.Base(key))
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		fmt.Fprintf(a.out, "wrote %s\n", dest)
	}
	return nil
}

func (a *App) runLocales(ctx context.Context) error {
	if !a.cfg.Catalog.Configured() {
		return errors.New("no catalog configured: set CATALOG_BASE_URL or --catalog-url")
	}
	client := catalog.New(a.cfg.Catalog.ClientConfig(), a.cfg.Catalog.Credential())
	locales, err := client.FetchLocales(ctx)
	if err != nil {
		return errors.New(core.FormatUserError(err))
	}
	locale.Sort(locales)

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tACTIVE\tNAME")
	for _, l := range locales {
		fmt.Fprintf(tw, "%s\t%v\t%s\n", l.Code, l.Active, locale.DisplayName(l.Code))
	}
	return tw.Flush()
}

func (a *App) runDetect(files []string) error {
	var failed int
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		t, err := document.Detect(data)
		if err != nil {
			failed++
			fmt.Fprintf(a.out, "%s\t%s\n", file, core.FormatUserError(err))
			continue
		}
		fmt.Fprintf(a.out, "%s\t%s\n", file, t)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents not recognised", failed, len(files))
	}
	return nil
}

func (a *App) runHistory(ctx context.Context) error {
	return a.withService(ctx, func(svc *core.Service) error {
		runs, err := svc.History(ctx, a.flags.Project, a.flags.Limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tKIND\tSTATUS\tISSUES\tFINISHED\tREQUESTED BY\tARTIFACT")
		for _, r := range runs {
			by := r.RequestedBy
			if by == "" {
				by = r.UserAgent
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				r.ID, r.Kind, r.Status, r.Issues, r.Finished.Format(time.DateTime), by, r.Artifact)
		}
		return tw.Flush()
	})
}

// cliRequester marks runs started from the command line in run history.
func cliRequester(ctx context.Context) context.Context {
	return core.WithRequester(ctx, core.Requester{UserAgent: "trexsync/" + Version})
}

// withService opens the configured store and runs fn against a service
// backed by it.
func (a *App) withService(ctx context.Context, fn func(*core.Service) error) error {
	store, err := storage.Open(ctx, a.cfg.Storage.Options())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	opts := core.Options{
		Pipeline: a.cfg.Pipeline,
		PageSize: a.cfg.Catalog.PageSize,
	}
	if a.cfg.Catalog.Configured() {
		opts.Connector = core.CatalogConnector(
			a.cfg.Catalog.ClientConfig(),
			core.StaticCredentials{Cred: a.cfg.Catalog.Credential()},
		)
	}
	return fn(core.NewService(store, opts))
}

// follow prints progress to errOut until the run finishes. Cancelling ctx
// cancels the run.
func (a *App) follow(ctx context.Context, svc *core.Service, runID string) (*pipeline.Result, error) {
	progress, err := svc.SubscribeProgress(runID)
	if err != nil {
		return nil, err
	}

	done := ctx.Done()
	var label string
loop:
	for {
		select {
		case p, ok := <-progress:
			if !ok {
				break loop
			}
			if p.Label != label || p.Done() {
				label = p.Label
				fmt.Fprintf(a.errOut, "[%3d%%] %s\n", p.Percent, strings.TrimSpace(p.Label+" "+p.Detail))
			}
		case <-done:
			svc.CancelRun(runID)
			done = nil
		}
	}

	res, err := svc.RunResult(context.WithoutCancel(ctx), runID)
	if err != nil {
		return nil, err
	}
	a.printSummary(res)
	return res, nil
}

func (a *App) printSummary(res *pipeline.Result) {
	fmt.Fprintf(a.out, "%s %s: %s\n", res.Kind, res.RunID, res.Status)
	for _, issue := range res.Issues {
		fmt.Fprintf(a.out, "  %s\n", issue)
	}
}

// runError turns an unsuccessful result into the command's error.
func runError(res *pipeline.Result) error {
	switch res.Status {
	case pipeline.StatusFailed, pipeline.StatusCancelled:
		msg := res.Error
		if msg == "" {
			msg = string(res.Status)
		}
		return fmt.Errorf("%s %s: %s", res.Kind, res.Status, core.FormatUserError(errors.New(msg)))
	}
	return nil
}

// readDocs reads documents named as "file.xml" or "file.xml:TYPE".
func readDocs(args []string) ([]core.Upload, error) {
	docs := make([]core.Upload, 0, len(args))
	for _, arg := range args {
		file, t := parseDocArg(arg)
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
		docs = append(docs, core.Upload{Name: filepath.Base(file), Type: t, Data: data})
	}
	return docs, nil
}

// parseDocArg splits an optional ":TYPE" suffix off a document argument. A
// suffix that is not a document type stays part of the path.
func parseDocArg(arg string) (string, document.DocType) {
	if i := strings.LastIndex(arg, ":"); i > 0 {
		if t, err := document.ParseDocType(arg[i+1:]); err == nil {
			return arg[:i], t
		}
	}
	return arg, ""
}
