package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"naskahsync/internal/document/model"
	"naskahsync/internal/session"
)

// openSession dials the server and opens docID as the configured user.
func openSession(ctx context.Context, opts *rootOptions, docID string) (*session.Session, func(), error) {
	userID, err := opts.userID()
	if err != nil {
		return nil, nil, err
	}
	conn, err := opts.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	s, err := session.Open(ctx, session.Context{
		DocumentID: docID,
		User: model.Identity{
			UserID:      userID,
			DisplayName: opts.v.GetString("name"),
			ColorTag:    opts.v.GetString("color"),
		},
		Feed:   conn,
		Clock:  clockwork.NewRealClock(),
		Config: opts.sessionConfig(),
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return s, func() { conn.Close() }, nil
}

func waitReady(ctx context.Context, s *session.Session) error {
	select {
	case <-s.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printDocument(w io.Writer, s *session.Session, fields []model.Field) {
	doc := s.Document()
	for _, f := range fields {
		switch f {
		case model.FieldTitle:
			fmt.Fprintf(w, "title: %s\n", doc.Title)
		case model.FieldBody:
			fmt.Fprintf(w, "body: %s\n", doc.Body)
		case model.FieldSections:
			fmt.Fprintf(w, "sections: %d\n", len(doc.Sections))
		case model.FieldAttachmentRefs:
			fmt.Fprintf(w, "attachments: %s\n", strings.Join(doc.AttachmentRefs, ", "))
		case model.FieldCategoryRefs:
			fmt.Fprintf(w, "categories: %s\n", strings.Join(doc.CategoryRefs, ", "))
		}
	}
}

func printCollaborators(w io.Writer, s *session.Session) {
	for _, p := range s.ActiveCollaborators() {
		fmt.Fprintf(w, "  %s (%s) %s\n", p.DisplayName, p.UserID, p.Status)
	}
	for _, c := range s.CursorOverlays() {
		fmt.Fprintf(w, "  cursor %s at %d-%d\n", c.UserID, c.Offset, c.SelectionEnd)
	}
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "watch <docID>",
		Short:   "Open a document and print remote changes",
		Args:    cobra.ExactArgs(1),
		PreRunE: opts.bindLocal,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, done, err := openSession(ctx, opts, args[0])
			if err != nil {
				return err
			}
			defer done()
			defer s.Close(context.Background())

			out := cmd.OutOrStdout()
			if err := waitReady(ctx, s); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s at revision %d\n", args[0], s.Revision())
			printDocument(out, s, model.Fields)

			ticker := time.NewTicker(opts.v.GetDuration("every"))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case u, ok := <-s.Updates():
					if !ok {
						return nil
					}
					fmt.Fprintf(out, "-- revision %d\n", u.Revision)
					printDocument(out, s, u.Fields)
				case <-ticker.C:
					fmt.Fprintln(out, "-- collaborators")
					printCollaborators(out, s)
				}
			}
		},
	}
	cmd.Flags().String("name", "", "display name shown to collaborators")
	cmd.Flags().String("color", "", "color tag shown to collaborators")
	cmd.Flags().Duration("every", 5*time.Second, "how often to print collaborators")
	return cmd
}
