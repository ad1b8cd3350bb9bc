package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/yangwenmai/draftsync/internal/autosave"
	"github.com/yangwenmai/draftsync/internal/config"
	"github.com/yangwenmai/draftsync/internal/model"
	"github.com/yangwenmai/draftsync/internal/pipeline"
	"github.com/yangwenmai/draftsync/internal/pipesync"
)

func requireArgs(cmd *cli.Command, names ...string) ([]string, error) {
	args := cmd.Args().Slice()
	if len(args) < len(names) {
		return nil, fmt.Errorf("usage: %s %s", cmd.Name, "<"+strings.Join(names, "> <")+">")
	}
	return args, nil
}

// withSession opens the artifact named by the first argument, runs fn and
// prints the resulting state.
func withSession(cfg config.Config, fn func(ctx context.Context, s *session, args []string) error, names ...string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		args, err := requireArgs(cmd, append([]string{"id"}, names...)...)
		if err != nil {
			return err
		}
		s, err := openSession(ctx, cfg, cmd, args[0])
		if err != nil {
			return err
		}
		defer s.Close()
		if err := fn(ctx, s, args[1:]); err != nil {
			return err
		}
		return printYAML(cmd.Root().Writer, viewOf(s.engine.State()))
	}
}

func createCmd(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a draft artifact",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Value: string(model.TypeBlog), Usage: "social_post, blog or showcase"},
			&cli.StringFlag{Name: "tone", Value: string(model.ToneProfessional)},
			&cli.StringSliceFlag{Name: "tag"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client := newClient(cfg, cmd)
			defer client.Close()
			a, err := client.CreateArtifact(ctx, model.CreateArtifactRequest{
				Type: model.ArtifactType(cmd.String("type")),
				Tone: model.Tone(cmd.String("tone")),
				Tags: cmd.StringSlice("tag"),
			})
			if err != nil {
				return err
			}
			return printYAML(cmd.Root().Writer, a)
		},
	}
}

func showCmd(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Print the synced state of an artifact",
		ArgsUsage: "<id>",
		Action: withSession(cfg, func(context.Context, *session, []string) error {
			return nil
		}),
	}
}

func watchCmd(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow an artifact until interrupted or a status is reached",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "until", Usage: "stop once the artifact reaches this status"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := requireArgs(cmd, "id")
			if err != nil {
				return err
			}
			var until model.Status
			if raw := cmd.String("until"); raw != "" {
				if until, err = pipeline.ParseStatus(raw); err != nil {
					return err
				}
			}
			s, err := openSession(ctx, cfg, cmd, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			return watch(ctx, cmd.Root().Writer, s.engine, until)
		},
	}
}

// watch prints one line per observed version.
func watch(ctx context.Context, w io.Writer, e *pipesync.Engine, until model.Status) error {
	states := make(chan pipesync.State, 16)
	unsubscribe := e.Subscribe(func(st pipesync.State) {
		select {
		case states <- st:
		default:
		}
	})
	defer unsubscribe()

	var last string
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-states:
			if st.Artifact == nil {
				continue
			}
			line := fmt.Sprintf("%s  %-20s processing=%t push_degraded=%t",
				st.Artifact.UpdatedAt.Format("15:04:05.000"), st.Artifact.Status, st.Processing, st.ChannelDegraded)
			if line != last {
				fmt.Fprintln(w, line)
				last = line
			}
			if until != "" && st.Artifact.Status == until {
				return nil
			}
		}
	}
}

func transitionCmd(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:      "transition",
		Usage:     "Request a status change",
		ArgsUsage: "<id> <status>",
		Action: withSession(cfg, func(ctx context.Context, s *session, args []string) error {
			to, err := pipeline.ParseStatus(args[0])
			if err != nil {
				return err
			}
			return s.engine.RequestTransition(ctx, to)
		}, "status"),
	}
}

func editCmd(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:      "edit",
		Usage:     "Edit content, tone or tags and save",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "content", Usage: "new content"},
			&cli.StringFlag{Name: "content-file", Usage: "read new content from a file, - for stdin"},
			&cli.StringFlag{Name: "tone"},
			&cli.StringSliceFlag{Name: "tag", Usage: "replace tags (repeatable)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSession(cfg, func(ctx context.Context, s *session, _ []string) error {
				edits := 0
				content, ok, err := contentFrom(cmd)
				if err != nil {
					return err
				}
				if ok {
					if err := s.engine.Edit(autosave.FieldContent, content); err != nil {
						return err
					}
					edits++
				}
				if tone := cmd.String("tone"); tone != "" {
					if err := s.engine.Edit(autosave.FieldTone, model.Tone(tone)); err != nil {
						return err
					}
					edits++
				}
				if cmd.IsSet("tag") {
					if err := s.engine.Edit(autosave.FieldTags, cmd.StringSlice("tag")); err != nil {
						return err
					}
					edits++
				}
				if edits == 0 {
					return fmt.Errorf("nothing to edit: pass --content, --content-file, --tone or --tag")
				}
				return s.engine.Flush(ctx)
			})(ctx, cmd)
		},
	}
}

func contentFrom(cmd *cli.Command) (string, bool, error) {
	if cmd.IsSet("content") {
		return cmd.String("content"), true, nil
	}
	path := cmd.String("content-file")
	if path == "" {
		return "", false, nil
	}
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", false, fmt.Errorf("read content: %w", err)
	}
	return string(raw), true, nil
}

func approveCmd(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:      "approve",
		Usage:     "Approve the gate open at the current status",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "skeleton-file", Usage: "submit an edited skeleton with the foundations approval"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSession(cfg, func(ctx context.Context, s *session, _ []string) error {
				if path := cmd.String("skeleton-file"); path != "" {
					raw, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("read skeleton: %w", err)
					}
					if err := s.engine.SubmitFoundationsEdits(string(raw)); err != nil {
						return err
					}
				}
				return s.engine.ApproveGate(ctx)
			})(ctx, cmd)
		},
	}
}

func approveImagesCmd(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:      "approve-images",
		Usage:     "Approve proposed image needs and generate their images",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "reject", Usage: "need id to reject (repeatable)"},
			&cli.StringSliceFlag{Name: "describe", Usage: "needId=description override (repeatable)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSession(cfg, func(ctx context.Context, s *session, _ []string) error {
				st := s.engine.State()
				needs, err := decideNeeds(st.Artifact.Visuals.Needs, cmd.StringSlice("reject"), cmd.StringSlice("describe"))
				if err != nil {
					return err
				}
				if err := s.engine.SubmitImageEdits(needs); err != nil {
					return err
				}
				return s.engine.ApproveImages(ctx)
			})(ctx, cmd)
		},
	}
}

// decideNeeds approves every need except the rejected ones and applies the
// description overrides.
func decideNeeds(needs []model.ImageNeed, reject, describe []string) ([]model.ImageNeed, error) {
	out := append([]model.ImageNeed(nil), needs...)
	index := make(map[string]int, len(out))
	for i := range out {
		out[i].Approved = true
		index[out[i].ID] = i
	}
	for _, id := range reject {
		i, ok := index[id]
		if !ok {
			return nil, fmt.Errorf("unknown image need %q", id)
		}
		out[i].Approved = false
	}
	for _, d := range describe {
		id, text, ok := strings.Cut(d, "=")
		if !ok {
			return nil, fmt.Errorf("--describe wants needId=description, got %q", d)
		}
		i, found := index[id]
		if !found {
			return nil, fmt.Errorf("unknown image need %q", id)
		}
		out[i].Description = text
	}
	return out, nil
}

func regenerateCmd(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:      "regenerate",
		Usage:     "Generate a new image for a need",
		ArgsUsage: "<id> <needId>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "description", Usage: "replace the need's description first"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSession(cfg, func(ctx context.Context, s *session, args []string) error {
				return s.engine.RegenerateImage(ctx, args[0], cmd.String("description"))
			}, "needId")(ctx, cmd)
		},
	}
}

func researchCmd(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:  "research",
		Usage: "Manage research sources",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Add a source URL",
				ArgsUsage: "<id> <url>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withSession(cfg, func(ctx context.Context, s *session, args []string) error {
						_, err := s.engine.AddResearch(ctx, model.ResearchInput{SourceURL: args[0], Title: cmd.String("title")})
						return err
					}, "url")(ctx, cmd)
				},
			},
			{
				Name:      "rm",
				Usage:     "Remove a source",
				ArgsUsage: "<id> <researchId>",
				Action: withSession(cfg, func(ctx context.Context, s *session, args []string) error {
					return s.engine.DeleteResearch(ctx, args[0])
				}, "researchId"),
			},
		},
	}
}
