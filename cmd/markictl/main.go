// Command markictl runs Marki maintenance tasks against Parse Server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"marki/bootstrap"
	"marki/routes"
	"marki/services"
)

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

// env is built lazily so --help works without configuration.
type env struct {
	svc *routes.Services
}

func (e *env) services() (routes.Services, error) {
	if e.svc == nil {
		if err := bootstrap.Init(); err != nil {
			return routes.Services{}, err
		}
		s := bootstrap.Services(bootstrap.ParseClient(), nil)
		e.svc = &s
	}
	return *e.svc, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newApp(out io.Writer) *cli.Command {
	e := &env{}

	return &cli.Command{
		Name:  "markictl",
		Usage: "Marki administration",
		Commands: []*cli.Command{
			{
				Name:  "setup-classes",
				Usage: "Create the missing Parse classes",
				Action: func(ctx context.Context, c *cli.Command) error {
					s, err := e.services()
					if err != nil {
						return err
					}
					res, err := services.SetupClasses(ctx, s.Parse)
					if err != nil {
						return err
					}
					return printJSON(out, res)
				},
			},
			{
				Name:  "sync-impayes",
				Usage: "Run an Impayes synchronisation",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Usage: "sync configId, defaults to the first active Impayes configuration"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					s, err := e.services()
					if err != nil {
						return err
					}
					res, err := s.Sync.SyncImpayes(ctx, c.String("config"))
					if err != nil {
						return err
					}
					return printJSON(out, res)
				},
			},
			{
				Name:  "populate",
				Usage: "Create the relances of a sequence",
				Flags: []cli.Flag{sequenceFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					s, err := e.services()
					if err != nil {
						return err
					}
					res, err := s.Sequences.Populate(ctx, c.String("sequence"))
					if err != nil {
						return err
					}
					return printJSON(out, res)
				},
			},
			{
				Name:  "cleanup",
				Usage: "Delete the unsent relances of a sequence",
				Flags: []cli.Flag{sequenceFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					s, err := e.services()
					if err != nil {
						return err
					}
					res, err := s.Sequences.Cleanup(ctx, c.String("sequence"))
					if err != nil {
						return err
					}
					return printJSON(out, res)
				},
			},
			{
				Name:  "send-due",
				Usage: "Send the relances that are due",
				Action: func(ctx context.Context, c *cli.Command) error {
					s, err := e.services()
					if err != nil {
						return err
					}
					res, err := s.Relances.ProcessDue(ctx)
					if err != nil {
						return err
					}
					return printJSON(out, res)
				},
			},
			{
				Name:  "test-filters",
				Usage: "Preview the invoices matching auto filters",
				Flags: filterFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					filters, err := parseFilters(c.StringSlice("include"), c.StringSlice("exclude"), c.StringSlice("operator"))
					if err != nil {
						return err
					}
					s, err := e.services()
					if err != nil {
						return err
					}
					res, err := s.Sequences.TestAutoFilters(ctx, filters)
					if err != nil {
						return err
					}
					return printJSON(out, res)
				},
			},
			{
				Name:  "convert-auto",
				Usage: "Turn a sequence into an automatic one",
				Flags: append(filterFlags(), sequenceFlag()),
				Action: func(ctx context.Context, c *cli.Command) error {
					filters, err := parseFilters(c.StringSlice("include"), c.StringSlice("exclude"), c.StringSlice("operator"))
					if err != nil {
						return err
					}
					s, err := e.services()
					if err != nil {
						return err
					}
					seq, err := s.Sequences.ConvertToAuto(ctx, c.String("sequence"), filters)
					if err != nil {
						return err
					}
					return printJSON(out, seq)
				},
			},
			{
				Name:  "check-invoice",
				Usage: "Check that the PDF of an invoice is reachable over SFTP",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "invoice", Usage: "Impayes objectId", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					s, err := e.services()
					if err != nil {
						return err
					}
					res, err := s.Invoices.PDF(ctx, c.String("invoice"))
					if err != nil {
						return err
					}
					res.PDFData = ""
					if !res.Success {
						if err := printJSON(out, res); err != nil {
							return err
						}
						return fmt.Errorf("invoice %s: %s", c.String("invoice"), res.Message)
					}
					return printJSON(out, res)
				},
			},
		},
	}
}

func sequenceFlag() cli.Flag {
	return &cli.StringFlag{Name: "sequence", Usage: "sequence objectId", Required: true}
}

func filterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{Name: "include", Usage: "column=value, repeat for several values"},
		&cli.StringSliceFlag{Name: "exclude", Usage: "column=value"},
		&cli.StringSliceFlag{Name: "operator", Usage: "column=operator for include filters (contains, startsWith, ...)"},
	}
}
