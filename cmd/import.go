package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
)

var (
	importColumn     int
	importSkipHeader bool
	importScore      int
)

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import seed URLs from a CSV or XLSX file",
	Long:  "Reads one URL per row from the given column and enqueues each as a seed. Excluded URLs are skipped and reported.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := args[0]

		var urls []string
		var err error
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			urls, err = readCSVColumn(path, importColumn, importSkipHeader)
		case ".xlsx":
			urls, err = readXLSXColumn(path, importColumn, importSkipHeader)
		default:
			return eris.Errorf("unsupported file type: %s", filepath.Ext(path))
		}
		if err != nil {
			return err
		}
		if len(urls) == 0 {
			return eris.New("no urls found in file")
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		score := importScore
		if score <= 0 {
			score = cfg.Crawl.DefaultScore
		}

		added, excluded := 0, 0
		for _, url := range urls {
			ok, err := e.Queue.Enqueue(ctx, url, 0, url, score)
			if err != nil {
				return err
			}
			if ok {
				added++
			} else {
				excluded++
			}
		}
		fmt.Printf("imported %d urls (%d excluded) from %s\n", added, excluded, path)
		return nil
	},
}

func readCSVColumn(path string, column int, skipHeader bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "import: open csv")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var urls []string
	row := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "import: read csv")
		}
		row++
		if skipHeader && row == 1 {
			continue
		}
		if column >= len(rec) {
			continue
		}
		if u := strings.TrimSpace(rec[column]); u != "" {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

func readXLSXColumn(path string, column int, skipHeader bool) ([]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "import: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("import: xlsx has no sheets")
	}

	var urls []string
	for i, row := range f.Sheets[0].Rows {
		if skipHeader && i == 0 {
			continue
		}
		if column >= len(row.Cells) {
			continue
		}
		if u := strings.TrimSpace(row.Cells[column].String()); u != "" {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

func init() {
	importCmd.Flags().IntVar(&importColumn, "column", 0, "zero-based column holding the url")
	importCmd.Flags().BoolVar(&importSkipHeader, "skip-header", true, "skip the first row")
	importCmd.Flags().IntVar(&importScore, "score", 0, "priority score for the seeds (default from config)")
	rootCmd.AddCommand(importCmd)
}
