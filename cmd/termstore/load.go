package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driving"
)

// maxLineSize bounds one JSON document of a load file
const maxLineSize = 4 << 20

func (c *cli) loadCmd() *cobra.Command {
	var (
		branch  string
		docType string
		file    string
		author  string
		comment string
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Commit documents read as JSON lines",
		Long: `Reads one JSON object per line and commits them to a branch in a single
transaction. Each object holds the fields of one document, including its
identifier field. Documents already visible on the branch are updated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			schema, err := c.app.registry.SchemaOf(docType)
			if err != nil {
				return err
			}
			if err := c.app.ensureIndices(ctx); err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			docs, err := readDocuments(in, schema)
			if err != nil {
				return err
			}

			res, err := c.app.txs.Run(ctx, branch, author, comment, func(tx driving.Transaction) error {
				for _, doc := range docs {
					old, err := c.app.index.Read(ctx, branch, doc.Type, doc.ID)
					switch {
					case errors.Is(err, domain.ErrNotFound):
						err = tx.Add(ctx, doc)
					case err == nil:
						err = tx.Update(ctx, *old, doc)
					}
					if err != nil {
						return fmt.Errorf("%s %s: %w", doc.Type, doc.ID, err)
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			cmd.Printf("Committed %d documents to %s at %d\n", res.AffectedCount, res.BranchPath, res.HeadTimestamp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&branch, "branch", "b", domain.MainPath, "Branch to commit to")
	cmd.Flags().StringVarP(&docType, "type", "t", "", "Document type of every line")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Input file, - for stdin")
	cmd.Flags().StringVar(&author, "author", "termstore", "Author recorded on the commit")
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "Commit comment")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// readDocuments decodes JSON lines into documents of schema. Integers stay
// int64 so long fields survive the round trip.
func readDocuments(r io.Reader, schema domain.Schema) ([]domain.Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var docs []domain.Document
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var fields map[string]any
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		for k, v := range fields {
			fields[k] = fromJSON(v)
		}
		id, _ := fields[schema.IDField].(string)
		if id == "" {
			return nil, fmt.Errorf("%w: line %d has no %s", domain.ErrValidation, line, schema.IDField)
		}
		docs = append(docs, domain.NewDocument(schema.Type, id, fields))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func fromJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = fromJSON(x[i])
		}
		return x
	}
	return v
}
