package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pems-cli/internal/pems"
	"github.com/sells-group/pems-cli/internal/pipeline"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Log in and stage clearinghouse files without loading them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("download"); err != nil {
			return err
		}

		eng := pipeline.New(cfg, nil, pipeline.PeMSConnector(cfg), nil)
		files, err := eng.Download(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "download")
		}

		if len(files) == 0 {
			fmt.Fprintln(os.Stderr, "No files staged.")
			return nil
		}
		formatStaged(os.Stdout, files)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)
}

func formatStaged(out io.Writer, files []pems.FileDescriptor) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KIND\tDISTRICT\tPERIOD\tFILE\tPATH")
	_, _ = fmt.Fprintln(w, "----\t--------\t------\t----\t----")
	for _, f := range files {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s %d\t%s\t%s\n", f.Kind, f.Region, f.Month, f.Year, f.FileName, f.LocalPath)
	}
	_ = w.Flush()
}
