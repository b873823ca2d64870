package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/objectfs/b2fs/internal/hostfs"
	"github.com/objectfs/b2fs/pkg/errors"
	"github.com/objectfs/b2fs/pkg/utils"
)

// ioChunk is the size of each Read and Write call the CLI issues.
const ioChunk = 4 << 20

func newLsCommand(flags *globalFlags) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls b2://bucket[/path]",
		Short: "List a directory",
		Long: `
List the entries of a directory, directories first marked with a trailing
"/". With -l, sizes and modification times are shown too. Files written
locally but not uploaded yet are marked with "*".
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, key, err := target(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), flags, bucket, func(ctx context.Context, s *session) error {
				attrs, err := s.walk(ctx, key)
				if err != nil {
					return err
				}
				entries := []hostfs.Attributes{attrs}
				if attrs.IsDir() {
					if entries, err = s.enumerate(ctx, attrs.ID); err != nil {
						return err
					}
				}
				printEntries(cmd.OutOrStdout(), entries, long)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show sizes and modification times")
	return cmd
}

func displayName(a hostfs.Attributes) string {
	name := a.Name
	if a.IsDir() {
		name += utils.Separator
	}
	if a.Pending {
		name += "*"
	}
	return name
}

func printEntries(out io.Writer, entries []hostfs.Attributes, long bool) {
	if !long {
		for _, a := range entries {
			fmt.Fprintln(out, displayName(a))
		}
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, a := range entries {
		size, when := "-", "-"
		if !a.IsDir() {
			size = humanize.IBytes(uint64(a.Size))
		}
		if !a.ModTime.IsZero() {
			when = a.ModTime.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t\n", size, when, displayName(a))
	}
	tw.Flush()
}

func newStatCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stat b2://bucket/path",
		Short: "Show one entry's attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, key, err := target(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), flags, bucket, func(ctx context.Context, s *session) error {
				a, err := s.walk(ctx, key)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Key:      %s\n", a.Key)
				fmt.Fprintf(out, "Kind:     %s\n", a.Kind)
				if !a.IsDir() {
					fmt.Fprintf(out, "Size:     %s (%d bytes)\n", humanize.IBytes(uint64(a.Size)), a.Size)
				}
				if !a.ModTime.IsZero() {
					fmt.Fprintf(out, "Modified: %s (%s)\n", a.ModTime.Local().Format("2006-01-02 15:04:05"), humanize.Time(a.ModTime))
				}
				if a.Pending {
					fmt.Fprintln(out, "Pending:  not uploaded yet")
				}
				return nil
			})
		},
	}
}

func newCatCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cat b2://bucket/path",
		Short: "Write a file's contents to standard output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, key, err := target(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), flags, bucket, func(ctx context.Context, s *session) error {
				a, err := s.walk(ctx, key)
				if err != nil {
					return err
				}
				h, err := do(ctx, s, func(ctx context.Context) (hostfs.HandleID, error) {
					return s.r.Open(ctx, a.ID, hostfs.OpenRead)
				})
				if err != nil {
					return err
				}
				defer s.r.Close(ctx, h)

				out := cmd.OutOrStdout()
				for off := int64(0); ; {
					chunk, err := do(ctx, s, func(ctx context.Context) ([]byte, error) {
						return s.r.Read(ctx, h, off, ioChunk)
					})
					if err != nil {
						return err
					}
					if _, err := out.Write(chunk); err != nil {
						return err
					}
					off += int64(len(chunk))
					if len(chunk) < ioChunk {
						return nil
					}
				}
			})
		},
	}
}

func newPutCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-file|-> b2://bucket/path",
		Short: "Upload a local file or standard input",
		Long: `
Upload a local file, or standard input when the source is "-". When the
destination is an existing directory, or ends in "/", the local file name
is appended.
`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, key, err := target(args[1])
			if err != nil {
				return err
			}
			var data []byte
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return errors.Wrap(errors.ErrCodeLocalIO, err, "cannot read source").WithComponent("cli")
			}
			if args[0] != "-" && (key == "" || strings.HasSuffix(key, utils.Separator)) {
				key += filepath.Base(args[0])
			}

			return withSession(cmd.Context(), flags, bucket, func(ctx context.Context, s *session) error {
				if existing, err := s.walk(ctx, key); err == nil && existing.IsDir() && args[0] != "-" {
					key = utils.JoinKey(existing.Key, filepath.Base(args[0]))
				}
				return s.put(ctx, key, data)
			})
		},
	}
}

// put replaces key with data through the same open, write and close calls a
// host binding makes. The upload happens at close.
func (s *session) put(ctx context.Context, key string, data []byte) error {
	parent, name, err := s.walkParent(ctx, key)
	if err != nil {
		return err
	}
	attrs, err := do(ctx, s, func(ctx context.Context) (hostfs.Attributes, error) {
		return s.r.Lookup(ctx, parent.ID, name)
	})
	switch {
	case errors.HasCode(err, errors.ErrCodeNotFound):
		if attrs, err = s.r.Create(ctx, parent.ID, name, false); err != nil {
			return err
		}
	case err != nil:
		return err
	case attrs.IsDir():
		return errors.Newf(errors.ErrCodeIsDirectory, "%q is a directory", attrs.Key).WithComponent("cli")
	}

	h, err := do(ctx, s, func(ctx context.Context) (hostfs.HandleID, error) {
		return s.r.Open(ctx, attrs.ID, hostfs.OpenWrite|hostfs.OpenTruncate)
	})
	if err != nil {
		return err
	}
	for off := 0; off < len(data); off += ioChunk {
		end := off + ioChunk
		if end > len(data) {
			end = len(data)
		}
		if _, err := s.r.Write(ctx, h, int64(off), data[off:end]); err != nil {
			_ = s.r.Close(ctx, h)
			return err
		}
	}
	if err := s.r.Close(ctx, h); err != nil {
		return err
	}
	s.logger.Debug("uploaded", zap.String("key", attrs.Key), zap.Int("bytes", len(data)))
	return nil
}

func newRmCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm b2://bucket/path",
		Short: "Remove a file or an empty directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, key, err := target(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), flags, bucket, func(ctx context.Context, s *session) error {
				parent, name, err := s.walkParent(ctx, key)
				if err != nil {
					return err
				}
				_, err = do(ctx, s, func(ctx context.Context) (struct{}, error) {
					return struct{}{}, s.r.Remove(ctx, parent.ID, name)
				})
				return err
			})
		},
	}
}

func newMvCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mv b2://bucket/src b2://bucket/dst",
		Short: "Rename a file within a bucket",
		Long: `
Rename a file. The rename is a server-side copy followed by a delete of the
source; if the delete fails both names exist and the command fails.
Directories cannot be renamed.
`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srcBucket, srcKey, err := target(args[0])
			if err != nil {
				return err
			}
			dstBucket, dstKey, err := target(args[1])
			if err != nil {
				return err
			}
			if srcBucket != dstBucket {
				return errors.Newf(errors.ErrCodeUnsupported, "cannot move between buckets %q and %q", srcBucket, dstBucket).
					WithComponent("cli")
			}
			return withSession(cmd.Context(), flags, srcBucket, func(ctx context.Context, s *session) error {
				srcParent, srcName, err := s.walkParent(ctx, srcKey)
				if err != nil {
					return err
				}
				if dst, err := s.walk(ctx, dstKey); err == nil && dst.IsDir() {
					dstKey = utils.JoinKey(dst.Key, srcName)
				}
				dstParent, dstName, err := s.walkParent(ctx, dstKey)
				if err != nil {
					return err
				}
				return s.r.Rename(ctx, srcParent.ID, srcName, dstParent.ID, dstName)
			})
		},
	}
}

func newMkdirCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir b2://bucket/path",
		Short: "Create a directory marker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, key, err := target(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), flags, bucket, func(ctx context.Context, s *session) error {
				parent, name, err := s.walkParent(ctx, key)
				if err != nil {
					return err
				}
				_, err = s.r.Create(ctx, parent.ID, name, true)
				return err
			})
		},
	}
}
