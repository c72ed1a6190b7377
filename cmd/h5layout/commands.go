package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/robert-malhotra/go-h5layout/hdf5"
	"github.com/robert-malhotra/go-h5layout/internal/config"
)

func (t *tool) createCmd() *cobra.Command {
	var (
		dims, maxDims, chunks []string
		elemSize              int
		layoutName            string
		filters               []string
		fillValue             string
		external              []string
	)
	cmd := &cobra.Command{
		Use:   "create FILE NAME",
		Short: "create a dataset, creating FILE if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDims(dims, false)
			if err != nil {
				return err
			}
			opts, err := t.creationOptions(layoutName, maxDims, chunks, filters, fillValue, external)
			if err != nil {
				return err
			}

			f, err := t.openFile(args[0], true)
			if err != nil {
				return err
			}
			ds, err := f.CreateDataset(args[1], d, elemSize, opts...)
			if err != nil {
				return errors.CombineErrors(err, f.Close())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s: %s %v x %d bytes\n", args[1], ds.Layout(), ds.Dims(), elemSize)
			return errors.CombineErrors(ds.Close(), f.Close())
		},
	}
	fl := cmd.Flags()
	fl.StringSliceVar(&dims, "dims", nil, "current dimensions")
	fl.StringSliceVar(&maxDims, "max-dims", nil, "maximum dimensions; \"unlimited\" for no bound")
	fl.StringSliceVar(&chunks, "chunks", nil, "chunk dimensions")
	fl.IntVar(&elemSize, "elem-size", 1, "element size in bytes")
	fl.StringVar(&layoutName, "layout", "", "contiguous, compact, chunked or external (default from --chunks/--external)")
	fl.StringSliceVar(&filters, "filters", nil, "chunk filters: shuffle, deflate[=level], fletcher32, lz4, zstd, snappy")
	fl.StringVar(&fillValue, "fill", "", "fill value of one element, hex encoded")
	fl.StringSliceVar(&external, "external", nil, "external segments PATH[:OFFSET[:SIZE]]; SIZE may be \"unlimited\"")
	_ = cmd.MarkFlagRequired("dims")
	return cmd
}

func (t *tool) creationOptions(layoutName string, maxDims, chunks, filters []string, fillValue string, external []string) ([]hdf5.DatasetOption, error) {
	ft, err := t.cfg.FillTime()
	if err != nil {
		return nil, err
	}
	at, err := t.cfg.AllocTime()
	if err != nil {
		return nil, err
	}
	opts := []hdf5.DatasetOption{
		hdf5.WithFillTime(ft),
		hdf5.WithAllocTime(at),
		hdf5.WithBTreeMinEntries(t.cfg.BTree.MinEntries),
	}
	opts = append(opts, t.accessOptions()...)

	if len(maxDims) > 0 {
		md, err := parseDims(maxDims, true)
		if err != nil {
			return nil, err
		}
		opts = append(opts, hdf5.WithMaxDims(md...))
	}
	if fillValue != "" {
		v, err := hex.DecodeString(fillValue)
		if err != nil {
			return nil, errors.Wrap(err, "fill value")
		}
		opts = append(opts, hdf5.WithFillValue(v))
	}

	if layoutName == "" {
		switch {
		case len(chunks) > 0:
			layoutName = "chunked"
		case len(external) > 0:
			layoutName = "external"
		default:
			layoutName = "contiguous"
		}
	}
	switch layoutName {
	case "contiguous":
	case "compact":
		opts = append(opts, hdf5.WithCompact())
	case "chunked":
		cd, err := parseDims(chunks, false)
		if err != nil {
			return nil, err
		}
		if len(cd) == 0 {
			return nil, errors.New("chunked layout needs --chunks")
		}
		opts = append(opts, hdf5.WithChunks(cd...))
	case "external":
		segs, err := parseSegments(external)
		if err != nil {
			return nil, err
		}
		opts = append(opts, hdf5.WithExternal(segs...))
	default:
		return nil, errors.Newf("unknown layout %q", layoutName)
	}

	for _, spec := range filters {
		name, arg, _ := strings.Cut(spec, "=")
		switch name {
		case "shuffle":
			opts = append(opts, hdf5.WithShuffle())
		case "deflate", "gzip":
			level := 6
			if arg != "" {
				if level, err = strconv.Atoi(arg); err != nil {
					return nil, errors.Wrapf(err, "deflate level")
				}
			}
			opts = append(opts, hdf5.WithDeflate(level))
		case "fletcher32":
			opts = append(opts, hdf5.WithFletcher32())
		case "lz4":
			opts = append(opts, hdf5.WithLZ4())
		case "zstd":
			opts = append(opts, hdf5.WithZstd())
		case "snappy":
			opts = append(opts, hdf5.WithSnappy())
		default:
			return nil, errors.Newf("unknown filter %q", name)
		}
	}
	return opts, nil
}

func parseSegments(specs []string) ([]hdf5.ExternalSegment, error) {
	if len(specs) == 0 {
		return nil, errors.New("external layout needs --external")
	}
	segs := make([]hdf5.ExternalSegment, len(specs))
	for i, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) > 3 || parts[0] == "" {
			return nil, errors.Newf("external segment %q", spec)
		}
		seg := hdf5.ExternalSegment{Path: parts[0], Size: hdf5.Unlimited}
		if len(parts) > 1 {
			off, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "external segment %q offset", spec)
			}
			seg.Offset = off
		}
		if len(parts) > 2 {
			size, err := parseDims(parts[2:], true)
			if err != nil {
				return nil, errors.Wrapf(err, "external segment %q size", spec)
			}
			seg.Size = size[0]
		}
		segs[i] = seg
	}
	return segs, nil
}

func (t *tool) writeCmd() *cobra.Command {
	var (
		value        string
		start, count []string
	)
	cmd := &cobra.Command{
		Use:   "write FILE NAME",
		Short: "set the selected elements of a dataset to a repeated byte pattern",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, err := hex.DecodeString(value)
			if err != nil || len(pattern) == 0 {
				return errors.Newf("--value must be non-empty hex, got %q", value)
			}
			return t.withDataset(args[0], args[1], func(d *hdf5.Dataset) error {
				mem, file, err := selection(d, start, count)
				if err != nil {
					return err
				}
				buf := make([]byte, mem.NumElements()*uint64(d.ElementSize()))
				for i := range buf {
					buf[i] = pattern[i%len(pattern)]
				}
				n, err := d.Write(mem, file, buf, t.transferOptions()...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", humanize.Bytes(n))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "byte pattern, hex encoded")
	cmd.Flags().StringSliceVar(&start, "start", nil, "first element of the selection")
	cmd.Flags().StringSliceVar(&count, "count", nil, "size of the selection")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func (t *tool) readCmd() *cobra.Command {
	var start, count []string
	cmd := &cobra.Command{
		Use:   "read FILE NAME",
		Short: "hex dump the selected elements of a dataset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return t.withDataset(args[0], args[1], func(d *hdf5.Dataset) error {
				mem, file, err := selection(d, start, count)
				if err != nil {
					return err
				}
				buf := make([]byte, mem.NumElements()*uint64(d.ElementSize()))
				if _, err := d.Read(mem, file, buf, t.transferOptions()...); err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write([]byte(hex.Dump(buf)))
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&start, "start", nil, "first element of the selection")
	cmd.Flags().StringSliceVar(&count, "count", nil, "size of the selection")
	return cmd
}

func (t *tool) extendCmd() *cobra.Command {
	var dims []string
	cmd := &cobra.Command{
		Use:   "extend FILE NAME",
		Short: "change the current dimensions of a dataset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDims(dims, false)
			if err != nil {
				return err
			}
			return t.withDataset(args[0], args[1], func(ds *hdf5.Dataset) error {
				if err := ds.SetExtent(d); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", args[1], ds.Dims())
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&dims, "dims", nil, "new dimensions")
	_ = cmd.MarkFlagRequired("dims")
	return cmd
}

func (t *tool) indexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index FILE NAME",
		Short: "list the chunk index of a chunked dataset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return t.withDataset(args[0], args[1], func(d *hdf5.Dataset) error {
				entries, err := d.ChunkEntries()
				if err != nil {
					return err
				}
				tbl := tablewriter.NewWriter(cmd.OutOrStdout())
				tbl.SetHeader([]string{"Coord", "Address", "Size", "Used", "Mask"})
				for _, e := range entries {
					tbl.Append([]string{
						fmt.Sprint(e.Coord),
						fmt.Sprintf("%#x", e.Address),
						strconv.FormatUint(e.Size, 10),
						strconv.FormatUint(e.Used, 10),
						fmt.Sprintf("%#x", e.FilterMask),
					})
				}
				tbl.Render()
				return nil
			})
		},
	}
}

func (t *tool) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info FILE",
		Short: "list the datasets of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := t.openFile(args[0], false)
			if err != nil {
				return err
			}
			tbl := tablewriter.NewWriter(cmd.OutOrStdout())
			tbl.SetHeader([]string{"Name", "Layout", "Dims", "Max", "Chunks", "Filters", "Storage"})
			err = hdf5.Walk(f, func(info hdf5.DatasetInfo, err error) error {
				if err != nil {
					return err
				}
				chunks := "-"
				if info.ChunkDims != nil {
					chunks = fmt.Sprint(info.ChunkDims)
				}
				tbl.Append([]string{
					info.Name,
					info.Layout.String(),
					fmt.Sprint(info.Dims),
					formatMax(info.MaxDims),
					chunks,
					strings.Join(info.Filters, ","),
					humanize.Bytes(info.StorageSize),
				})
				return nil
			})
			if err != nil {
				return errors.CombineErrors(err, f.Close())
			}
			tbl.Render()
			st := f.AllocStats()
			fmt.Fprintf(cmd.OutOrStdout(), "allocated %s in %d blocks\n",
				humanize.Bytes(st.TotalBytesAlloc), st.TotalAllocations)
			return f.Close()
		},
	}
}

func formatMax(dims []uint64) string {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, d := range dims {
		if i > 0 {
			b.WriteByte(' ')
		}
		if d == hdf5.Unlimited {
			b.WriteString("unlimited")
		} else {
			b.WriteString(strconv.FormatUint(d, 10))
		}
	}
	b.WriteByte(']')
	return b.String()
}

func (t *tool) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init PATH",
		Short: "write the default configuration as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Write(args[0], config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	})
	return cmd
}
