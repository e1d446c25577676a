package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/tchajed/go-blockfs"
	"github.com/tchajed/go-blockfs/util"
)

func main() {
	app := cli.App{
		Name:  "blockfs",
		Usage: "manipulate a blockfs disk image",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
			},
			&cli.StringFlag{
				Name:    "disk",
				Aliases: []string{"d"},
				Usage:   "disk image (overrides the config)",
			},
		},
		Commands: []*cli.Command{{
			Name:  "mkfs",
			Usage: "format the disk image",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "inodes",
					Usage: "number of inodes (defaults to the configured value)",
				},
			},
			Action: withFS(func(c *Config, fs *blockfs.FileSystem, ctx *cli.Context) error {
				n := c.Inodes
				if ctx.IsSet("inodes") {
					n = ctx.Int("inodes")
				}
				if err := fs.Format(n); err != nil {
					return fmt.Errorf("formatting: %w", err)
				}
				return fs.Sync()
			}),
		}, {
			Name:      "put",
			Usage:     "copy a local file (or stdin) into the image",
			ArgsUsage: "NAME [LOCAL]",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:    "append",
					Aliases: []string{"a"},
					Usage:   "append instead of replacing",
				},
			},
			Action: withFS(func(c *Config, fs *blockfs.FileSystem, ctx *cli.Context) error {
				name, err := nameArg(ctx)
				if err != nil {
					return err
				}
				var in io.Reader = os.Stdin
				if ctx.NArg() > 1 {
					f, err := os.Open(ctx.Args().Get(1))
					if err != nil {
						return err
					}
					defer f.Close()
					in = f
				}
				data, err := io.ReadAll(in)
				if err != nil {
					return fmt.Errorf("reading input: %w", err)
				}
				mode := blockfs.ModeWrite
				if ctx.Bool("append") {
					mode = blockfs.ModeAppend
				}
				s, err := fs.Open(name, mode)
				if err != nil {
					return err
				}
				n, err := fs.Write(s, data)
				fs.Close(s)
				if err != nil {
					return fmt.Errorf("wrote %d of %d bytes: %w", n, len(data), err)
				}
				return fs.Sync()
			}),
		}, {
			Name:      "cat",
			Usage:     "print a file",
			ArgsUsage: "NAME",
			Action: withFS(func(c *Config, fs *blockfs.FileSystem, ctx *cli.Context) error {
				name, err := nameArg(ctx)
				if err != nil {
					return err
				}
				s, err := fs.Open(name, blockfs.ModeRead)
				if err != nil {
					return err
				}
				defer fs.Close(s)
				buf := make([]byte, 4096)
				for {
					n, err := fs.Read(s, buf)
					if err != nil {
						return err
					}
					if n == 0 {
						return nil
					}
					if _, err := os.Stdout.Write(buf[:n]); err != nil {
						return fmt.Errorf("writing to stdout: %w", err)
					}
				}
			}),
		}, {
			Name:  "ls",
			Usage: "list files",
			Action: withFS(func(c *Config, fs *blockfs.FileSystem, ctx *cli.Context) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
				for _, ent := range fs.List() {
					info, err := fs.Stat(ent.Name)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%d\t%d\t%s\n", info.I, info.Length, info.Name)
				}
				return w.Flush()
			}),
		}, {
			Name:      "rm",
			Aliases:   []string{"delete"},
			Usage:     "delete a file",
			ArgsUsage: "NAME",
			Action: withFS(func(c *Config, fs *blockfs.FileSystem, ctx *cli.Context) error {
				name, err := nameArg(ctx)
				if err != nil {
					return err
				}
				if err := fs.Delete(name); err != nil {
					return err
				}
				return fs.Sync()
			}),
		}, {
			Name:  "fsck",
			Usage: "check block accounting",
			Action: withFS(func(c *Config, fs *blockfs.FileSystem, ctx *cli.Context) error {
				r, err := fs.Check()
				fmt.Printf("blocks %d, data from %d: %d free, %d used\n",
					r.TotalBlocks, r.DataStart, r.Free, r.Used)
				if len(r.Leaked) > 0 {
					fmt.Printf("leaked: %v\n", r.Leaked)
				}
				if len(r.Orphans) > 0 {
					fmt.Printf("orphaned inodes: %v\n", r.Orphans)
				}
				if err != nil {
					return err
				}
				if !r.Clean() {
					return cli.Exit("file system is not clean", 1)
				}
				return nil
			}),
		}, {
			Name:      "stat",
			Usage:     "show a file's inode",
			ArgsUsage: "NAME",
			Action: withFS(func(c *Config, fs *blockfs.FileSystem, ctx *cli.Context) error {
				name, err := nameArg(ctx)
				if err != nil {
					return err
				}
				info, err := fs.Stat(name)
				if err != nil {
					return err
				}
				fmt.Printf("name: %s\ninode: %d\nlength: %d\nblocks: %d\nflag: %v\n",
					info.Name, info.I, info.Length, info.Blocks, info.Flag)
				return nil
			}),
		}},
	}

	if err := app.Run(os.Args); err != nil {
		util.Log.Fatal(err)
	}
}

func nameArg(ctx *cli.Context) (string, error) {
	if ctx.NArg() < 1 {
		return "", fmt.Errorf("%s: missing file name", ctx.Command.Name)
	}
	return ctx.Args().First(), nil
}

func withFS(f func(*Config, *blockfs.FileSystem, *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		c, err := LoadConfig(ctx.String("config"))
		if err != nil {
			return err
		}
		if ctx.IsSet("disk") {
			c.Disk = ctx.String("disk")
		}
		if err := c.Validate(); err != nil {
			return err
		}
		util.SetDebug(c.Debug)

		d, closeDisk, err := c.OpenDisk()
		if err != nil {
			return err
		}
		defer closeDisk()
		fs, err := blockfs.New(d, c.Options())
		if err != nil {
			return fmt.Errorf("mounting %s: %w", c.Disk, err)
		}
		return f(c, fs, ctx)
	}
}
