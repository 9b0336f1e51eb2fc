package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"naskahsync/internal/document/model"
	"naskahsync/internal/feed"
	"naskahsync/internal/shoplist"
)

func printItems(w io.Writer, items []model.ListItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "(empty)")
	}
	for _, it := range items {
		mark := " "
		if it.Completed {
			mark = "x"
		}
		fmt.Fprintf(w, "[%s] %s  %s\n", mark, it.Text, it.ID)
	}
}

// awaitStored polls the server until it holds want. Structural list
// writes go out asynchronously and their echo is suppressed locally.
func awaitStored(ctx context.Context, f feed.Feed, path string, want []model.ListItem) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, err := f.Read(ctx, path)
		if err == nil && !snap.Empty() {
			if stored, err := model.DecodeShoppingList(snap.Value); err == nil && slices.Equal(stored.Items, want) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("list change not confirmed: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list <listID> [add <text> | edit <itemID> <text> | toggle <itemID> | delete <itemID>]",
		Short:   "Show or change a shared shopping list",
		Args:    cobra.RangeArgs(1, 4),
		PreRunE: opts.bindLocal,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := opts.userID()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.v.GetDuration("timeout"))
			defer cancel()

			conn, err := opts.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			list := shoplist.Open(conn, clockwork.NewRealClock(), opts.listConfig(), args[0], userID)
			select {
			case <-list.Ready():
			case <-ctx.Done():
				list.Close(context.Background())
				return ctx.Err()
			}

			out := cmd.OutOrStdout()
			structural := true
			switch {
			case len(args) == 1:
				printItems(out, list.Items())
				return list.Close(ctx)
			case args[1] == "add" && len(args) == 3:
				var id string
				if id, err = list.Add(args[2]); err == nil {
					fmt.Fprintf(out, "added %s\n", id)
				}
			case args[1] == "edit" && len(args) == 4:
				// Close flushes the debounced text edit.
				structural = false
				err = list.EditText(args[2], args[3])
			case args[1] == "toggle" && len(args) == 3:
				err = list.Toggle(args[2])
			case args[1] == "delete" && len(args) == 3:
				err = list.Delete(args[2])
			default:
				list.Close(context.Background())
				return fmt.Errorf("unknown list action %q", args[1:])
			}
			if err != nil {
				list.Close(context.Background())
				return err
			}
			if structural {
				err = awaitStored(ctx, conn, shoplist.Path(args[0]), list.Items())
			}
			if cerr := list.Close(ctx); err == nil {
				err = cerr
			}
			if err == nil {
				printItems(out, list.Items())
			}
			return err
		},
	}
	cmd.Flags().Duration("timeout", 15*time.Second, "give up after this long")
	return cmd
}
