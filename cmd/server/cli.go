package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fullwhere/rag-web-ui/internal/chat"
	"github.com/fullwhere/rag-web-ui/internal/models"
	"github.com/fullwhere/rag-web-ui/internal/services"
	"github.com/spf13/cobra"
)

var errEmptyQuestion = errors.New("question must not be blank")

func newAskCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question from the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rag := services.NewRAG(a.cfg.QueryURL, a.cfg.IngestURL, a.cfg.RequestTimeout, a.logger)
			return ask(cmd, rag, strings.Join(args, " "))
		},
	}
}

// ask runs one question through a throwaway controller, so the terminal sees exactly what the
// chat page would show.
func ask(cmd *cobra.Command, querier chat.Querier, question string) error {
	ctrl := chat.NewController(querier, chat.Options{})
	defer ctrl.Close()

	if _, ok := ctrl.Submit(question); !ok {
		return errEmptyQuestion
	}

	done := make(chan struct{})
	go func() {
		ctrl.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-cmd.Context().Done():
		// Close cancels the request; its bot message carries the reason.
		ctrl.Close()
		<-done
	}

	transcript := ctrl.Transcript()
	reply := transcript[len(transcript)-1]

	printf(cmd, "%s\n", reply.Text)
	for i, source := range reply.Sources {
		printf(cmd, "\n[%d] %s\n%s\n", i+1, models.SourceLabel(i, source), source.Content)
	}
	return nil
}

func newIngestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Ask the answering service to re-ingest its documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rag := services.NewRAG(a.cfg.QueryURL, a.cfg.IngestURL, a.cfg.RequestTimeout, a.logger)

			status, err := rag.Ingest(cmd.Context())
			if err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}
			printf(cmd, "%s\n", status)
			return nil
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history [session-id]",
		Short: "List archived sessions, or print the transcript of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.ArchivePath == "" {
				return errors.New("archivePath is not configured")
			}

			boltDB, err := services.NewBoltDB(a.cfg.ArchivePath)
			if err != nil {
				return fmt.Errorf("failed to open archive: %w", err)
			}
			defer boltDB.Close()

			if len(args) == 0 {
				return listSessions(cmd, boltDB)
			}
			return printTranscript(cmd, boltDB, args[0])
		},
	}
}

func listSessions(cmd *cobra.Command, boltDB services.BoltDB) error {
	sessions, err := boltDB.Sessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, s := range sessions {
		printf(cmd, "%s  %s\n", s.StartedAt.Format("2006-01-02 15:04:05"), s.ID)
	}
	return nil
}

func printTranscript(cmd *cobra.Command, boltDB services.BoltDB, sessionID string) error {
	messages, err := boltDB.Messages(cmd.Context(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	for _, msg := range messages {
		printf(cmd, "[%s] %s: %s\n", msg.Timestamp.Format("15:04"), msg.Sender, msg.Text)
		for i, source := range msg.Sources {
			printf(cmd, "    - %s\n", models.SourceLabel(i, source))
		}
	}
	return nil
}
