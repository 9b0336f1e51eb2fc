package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"naskahsync/internal/document/model"
)

// fieldValue converts a command line argument to the type the field
// holds. Text fields take the argument as is unless it is a JSON string.
func fieldValue(f model.Field, arg string) (any, error) {
	switch f {
	case model.FieldTitle, model.FieldBody:
		var s string
		if err := json.Unmarshal([]byte(arg), &s); err == nil {
			return s, nil
		}
		return arg, nil
	case model.FieldSections:
		var sections []model.Section
		if err := json.Unmarshal([]byte(arg), &sections); err != nil {
			return nil, fmt.Errorf("sections must be a JSON array: %w", err)
		}
		return sections, nil
	default:
		var refs []string
		if err := json.Unmarshal([]byte(arg), &refs); err != nil {
			return nil, fmt.Errorf("%s must be a JSON array of strings: %w", f, err)
		}
		return refs, nil
	}
}

func newEditCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <docID> <field> <value>",
		Short: "Apply one edit to a document and save it",
		Long: `Apply one edit and save it. Field is one of title, body, sections,
attachmentRefs, categoryRefs. Sections and refs are given as JSON arrays.`,
		Args:    cobra.ExactArgs(3),
		PreRunE: opts.bindLocal,
		RunE: func(cmd *cobra.Command, args []string) error {
			field := model.Field(args[1])
			if !field.Valid() {
				return fmt.Errorf("unknown field %q", args[1])
			}
			value, err := fieldValue(field, args[2])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.v.GetDuration("timeout"))
			defer cancel()

			s, done, err := openSession(ctx, opts, args[0])
			if err != nil {
				return err
			}
			defer done()
			if err := waitReady(ctx, s); err != nil {
				s.Close(context.Background())
				return err
			}

			if err := s.SubmitLocalEdit(field, value); err != nil {
				s.Close(context.Background())
				return err
			}
			// Close flushes the pending edit once.
			if err := s.Close(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s of %s\n", field, args[0])
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 15*time.Second, "give up after this long")
	return cmd
}
