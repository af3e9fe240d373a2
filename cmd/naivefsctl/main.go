package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/S1riyS/naivefs/internal/app"
	"github.com/S1riyS/naivefs/internal/config"
	"github.com/S1riyS/naivefs/internal/models"
	"github.com/S1riyS/naivefs/internal/pkg/kerrors"
	"github.com/S1riyS/naivefs/internal/service"
	"github.com/S1riyS/naivefs/pkg/logging"
)

const chunkSize = 64 << 10

func main() {
	cliApp := cli.App{
		Name:        "naivefsctl",
		Usage:       "inspect and edit naivefs volumes offline",
		Description: "operates directly on the image files; do not run it on a volume that is mounted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "config file; flags override its values",
				EnvVars: []string{"CONFIG_PATH"},
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "directory holding one subdirectory per volume",
				Value: "data",
			},
			&cli.StringFlag{
				Name:  "volume",
				Usage: "volume token",
				Value: "default",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
				Value: "error",
			},
		},
		Commands: []*cli.Command{{
			Name:        "format",
			Aliases:     []string{"init", "mkfs"},
			Description: "create an empty volume",
			Action: withVolume(func(v *volume, ctx *cli.Context) error {
				return v.svc().Init(v.ctx, v.token)
			}),
		}, {
			Name:        "info",
			Aliases:     []string{"statfs", "df"},
			Description: "print the block counters of the volume as JSON",
			Action: withVolume(func(v *volume, ctx *cli.Context) error {
				stats, err := v.svc().Statfs(v.ctx, v.token)
				if err != nil {
					return err
				}
				return printJSON(stats)
			}),
		}, {
			Name:        "check",
			Aliases:     []string{"fsck"},
			Description: "walk the whole volume and verify every chain and directory",
			Action: withVolume(func(v *volume, ctx *cli.Context) error {
				vol, err := v.app.Volumes.Volume(v.ctx, v.token)
				if err != nil {
					return err
				}
				if err := vol.Engine.Check(); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			}),
		}, {
			Name:        "ls",
			Aliases:     []string{"list"},
			ArgsUsage:   "[PATH]",
			Description: "list a directory, or describe a file",
			Action: withVolume(func(v *volume, ctx *cli.Context) error {
				p := ctx.Args().First()
				if p == "" {
					p = "/"
				}
				return v.list(p)
			}),
		}, {
			Name:        "cat",
			ArgsUsage:   "PATH",
			Description: "copy a file of the volume to stdout",
			Action: withVolume(func(v *volume, ctx *cli.Context) error {
				return v.cat(ctx.Args().First(), os.Stdout)
			}),
		}, {
			Name:        "put",
			Aliases:     []string{"cp"},
			ArgsUsage:   "SRC DST",
			Description: "copy a local file into the volume, replacing DST",
			Action: withVolume(func(v *volume, ctx *cli.Context) error {
				if ctx.NArg() != 2 {
					return errors.New("put takes a source and a destination")
				}
				src, err := os.Open(ctx.Args().Get(0))
				if err != nil {
					return err
				}
				defer src.Close()
				return v.put(src, ctx.Args().Get(1))
			}),
		}, {
			Name:        "mkdir",
			ArgsUsage:   "PATH",
			Description: "create a directory",
			Action: withVolume(func(v *volume, ctx *cli.Context) error {
				parent, name, err := v.parent(ctx.Args().First())
				if err != nil {
					return err
				}
				_, err = v.svc().CreateDir(v.ctx, v.token, parent, name, 0o777)
				return err
			}),
		}, {
			Name:        "rm",
			Aliases:     []string{"unlink"},
			ArgsUsage:   "PATH",
			Description: "remove a file",
			Action: withVolume(func(v *volume, ctx *cli.Context) error {
				parent, name, err := v.parent(ctx.Args().First())
				if err != nil {
					return err
				}
				return v.svc().Unlink(v.ctx, v.token, parent, name)
			}),
		}, {
			Name:        "rmdir",
			ArgsUsage:   "PATH",
			Description: "remove an empty directory",
			Action: withVolume(func(v *volume, ctx *cli.Context) error {
				parent, name, err := v.parent(ctx.Args().First())
				if err != nil {
					return err
				}
				return v.svc().Rmdir(v.ctx, v.token, parent, name)
			}),
		}, {
			Name:        "truncate",
			ArgsUsage:   "PATH SIZE",
			Description: "cut a file to SIZE bytes or pad it with zeros",
			Action: withVolume(func(v *volume, ctx *cli.Context) error {
				size, err := strconv.ParseInt(ctx.Args().Get(1), 10, 64)
				if err != nil {
					return fmt.Errorf("parsing size: %w", err)
				}
				meta, err := v.svc().LookupPath(v.ctx, v.token, absPath(ctx.Args().First()))
				if err != nil {
					return err
				}
				return v.svc().Truncate(v.ctx, v.token, meta.Ino, size)
			}),
		}},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type volume struct {
	ctx   context.Context
	app   *app.App
	token string
}

func (v *volume) svc() service.FileSystemService {
	return v.app.Service
}

func withVolume(f func(*volume, *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) (err error) {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}

		logger := app.SetupPrettySlog(cfg.App.LogLevel)
		v := &volume{
			ctx:   logging.MakeContextWithLogger(ctx.Context, logger),
			app:   app.New(cfg, logger),
			token: cfg.Storage.Volume,
		}
		defer func() {
			err = errors.Join(err, v.svc().Close(v.ctx))
		}()
		return f(v, ctx)
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := &config.Config{}
	if p := ctx.String("config"); p != "" {
		loaded, err := config.Load(p)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if ctx.IsSet("data-dir") || cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = ctx.String("data-dir")
	}
	if ctx.IsSet("volume") || cfg.Storage.Volume == "" {
		cfg.Storage.Volume = ctx.String("volume")
	}
	if ctx.IsSet("log-level") || cfg.App.LogLevel == "" {
		cfg.App.LogLevel = ctx.String("log-level")
	}
	return cfg, nil
}

// parent resolves the directory holding p and returns it with the last
// component of p.
func (v *volume) parent(p string) (int64, string, error) {
	if p == "" {
		return 0, "", errors.New("missing path")
	}
	dir, name := path.Split(path.Clean(absPath(p)))
	meta, err := v.svc().LookupPath(v.ctx, v.token, dir)
	if err != nil {
		return 0, "", fmt.Errorf("%s: %w", dir, err)
	}
	return meta.Ino, name, nil
}

func absPath(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return "/" + p
}

func (v *volume) list(p string) error {
	meta, err := v.svc().LookupPath(v.ctx, v.token, absPath(p))
	if err != nil {
		return err
	}
	if meta.Type != models.NodeTypeDir {
		printNode(meta, path.Base(p))
		return nil
	}

	entries, err := v.svc().ReadDir(v.ctx, v.token, meta.Ino)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		child, err := v.svc().Stat(v.ctx, v.token, entry.Ino)
		if err != nil {
			return err
		}
		printNode(child, entry.Name)
	}
	return nil
}

func printNode(meta *models.NodeMeta, name string) {
	kind := "-"
	if meta.Type == models.NodeTypeDir {
		kind = "d"
	}
	fmt.Printf("%s %8d %10d %s %s\n", kind, meta.Ino, meta.Size, meta.Mtime.Format("2006-01-02 15:04:05"), name)
}

func (v *volume) cat(p string, w io.Writer) error {
	meta, err := v.svc().LookupPath(v.ctx, v.token, absPath(p))
	if err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	for off := int64(0); ; {
		n, err := v.svc().Read(v.ctx, v.token, meta.Ino, buf, off)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		off += n
	}
}

func (v *volume) put(r io.Reader, dst string) error {
	parent, name, err := v.parent(dst)
	if err != nil {
		return err
	}

	meta, err := v.svc().Lookup(v.ctx, v.token, parent, name)
	var serviceErr *service.ServiceError
	switch {
	case err == nil:
		if err := v.svc().Truncate(v.ctx, v.token, meta.Ino, 0); err != nil {
			return err
		}
	case errors.As(err, &serviceErr) && serviceErr.Code == kerrors.ENOENT:
		meta, err = v.svc().CreateFile(v.ctx, v.token, parent, name, 0o666)
		if err != nil {
			return err
		}
	default:
		return err
	}

	buf := make([]byte, chunkSize)
	for off := int64(0); ; {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			written, err := v.svc().Write(v.ctx, v.token, meta.Ino, buf, uint64(n), off)
			if err != nil {
				return err
			}
			off += written
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling to JSON: %w", err)
	}
	if _, err := fmt.Printf("%s\n", data); err != nil {
		return fmt.Errorf("writing JSON to stdout: %w", err)
	}
	return nil
}
