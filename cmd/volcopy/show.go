package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bamsammich/volcopy/internal/copymeta"
)

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <meta-dir>",
		Short: "Describe a copy and its committed sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return showCopy(os.Stdout, args[0])
		},
	}
}

// showCopy prints the manifest of the copy in metaDir followed by one row
// per planned session.
func showCopy(w io.Writer, metaDir string) error {
	c, err := copymeta.OpenCopy(metaDir)
	if err != nil {
		return err
	}
	defer c.Close()

	states, err := c.Index.Sessions()
	if err != nil {
		return err
	}
	committed := make(map[int]copymeta.SessionState, len(states))
	for _, s := range states {
		committed[s.Index] = s
	}

	m := c.Manifest
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "copy\t%s\n", m.CopyID)
	fmt.Fprintf(tw, "type\t%s\n", m.CopyType)
	fmt.Fprintf(tw, "volume\t%s (%s)\n", m.VolumePath, humanize.IBytes(uint64(m.VolumeSize)))
	fmt.Fprintf(tw, "block size\t%s\n", humanize.IBytes(uint64(m.BlockSize)))
	fmt.Fprintf(tw, "session size\t%s\n", humanize.IBytes(uint64(m.SessionSize)))
	fmt.Fprintf(tw, "hash\t%s\n", m.Hash)
	fmt.Fprintf(tw, "compression\t%s\n", m.Compression)
	fmt.Fprintf(tw, "data dir\t%s\n", m.DataDir)
	if m.ParentMetaDir != "" {
		fmt.Fprintf(tw, "parent\t%s\n", m.ParentMetaDir)
	}
	fmt.Fprintf(tw, "created\t%s\n", m.Created.Format(time.RFC3339))
	if m.Completed.IsZero() {
		fmt.Fprintf(tw, "completed\tno (%d of %d sessions)\n", len(states), len(m.Sessions))
	} else {
		fmt.Fprintf(tw, "completed\t%s\n", m.Completed.Format(time.RFC3339))
	}
	for _, a := range m.Ancestors {
		fmt.Fprintf(tw, "ancestor\t%s %s\n", a.ID, a.DataDir)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "SESSION\tOFFSET\tLENGTH\tSTORED\tWRITTEN\tINHERITED\tCOMMITTED\t")
	for _, s := range m.Sessions {
		st, ok := committed[s.Index]
		if !ok {
			fmt.Fprintf(tw, "%d\t%d\t%s\t-\t-\t-\t-\t\n", s.Index, s.Offset, humanize.IBytes(uint64(s.Length)))
			continue
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%d\t%s\t\n",
			s.Index, s.Offset, humanize.IBytes(uint64(s.Length)),
			humanize.IBytes(uint64(st.DataLength)), humanize.IBytes(uint64(st.Written)),
			st.Inherited, humanize.Time(st.Committed))
	}
	return tw.Flush()
}
