package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/database"
	apperrors "github.com/Yisonco-Stellargold/larue-civic-intel/internal/errors"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/scoring"
)

// bundle is the parser output loaded by ingest.
type bundle struct {
	Artifacts []database.Artifact  `json:"artifacts"`
	Meetings  []database.Meeting   `json:"meetings"`
	Motions   []database.Motion    `json:"motions"`
	Votes     []scoring.VoteRecord `json:"votes"`
}

// filter drops records that cannot be stored, logging each one, and returns
// how many it dropped.
func (b *bundle) filter(logger *slog.Logger) int {
	skipped := 0
	drop := func(kind, id, reason string) {
		logger.Warn("Invalid bundle record, skipping", "kind", kind, "id", id, "reason", reason)
		skipped++
	}

	artifacts := b.Artifacts[:0]
	for _, a := range b.Artifacts {
		if a.ID == "" {
			drop("artifact", a.ID, "missing id")
			continue
		}
		artifacts = append(artifacts, a)
	}
	b.Artifacts = artifacts

	meetings := b.Meetings[:0]
	for _, m := range b.Meetings {
		switch {
		case m.ID == "":
			drop("meeting", m.ID, "missing id")
		case m.HeldAt.IsZero():
			drop("meeting", m.ID, "missing held_at")
		default:
			meetings = append(meetings, m)
		}
	}
	b.Meetings = meetings

	motions := b.Motions[:0]
	for _, m := range b.Motions {
		if m.ID == "" || m.MeetingID == "" {
			drop("motion", m.ID, "missing id or meeting_id")
			continue
		}
		motions = append(motions, m)
	}
	b.Motions = motions

	votes := b.Votes[:0]
	for _, v := range b.Votes {
		if v.ID == "" || v.MeetingID == "" {
			drop("vote", v.ID, "missing id or meeting_id")
			continue
		}
		votes = append(votes, v)
	}
	b.Votes = votes

	return skipped
}

func readBundle(path string) (*bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.WrapError(err, "read bundle %s", path)
	}
	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, apperrors.NewDataError(path, "bundle is not valid JSON", err)
	}
	return &b, nil
}

// load upserts the bundle, referenced records first.
func (b *bundle) load(ctx context.Context, repo *database.Repository) error {
	for _, a := range b.Artifacts {
		if err := repo.UpsertArtifact(ctx, a); err != nil {
			return err
		}
	}
	for _, m := range b.Meetings {
		if err := repo.UpsertMeeting(ctx, m); err != nil {
			return err
		}
	}
	for _, m := range b.Motions {
		if err := repo.UpsertMotion(ctx, m); err != nil {
			return err
		}
	}
	for _, v := range b.Votes {
		if err := repo.UpsertVote(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func ingestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <bundle.json>",
		Short: "Load parsed artifacts, meetings, motions and votes into the store",
		Long: `ingest reads a JSON bundle with "artifacts", "meetings", "motions" and
"votes" arrays and upserts every record by id. Records missing an id or
a required reference are logged and skipped. Re-ingesting a bundle
replaces the stored records.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := readBundle(args[0])
			if err != nil {
				return err
			}
			skipped := b.filter(a.logger.Logger)
			db, repo, err := a.openStore()
			if err != nil {
				return err
			}
			defer apperrors.SafeClose(db, "database")

			if err := b.load(cmd.Context(), repo); err != nil {
				return err
			}
			a.logger.Info("Bundle ingested", "path", args[0],
				"artifacts", len(b.Artifacts), "meetings", len(b.Meetings),
				"motions", len(b.Motions), "votes", len(b.Votes), "skipped", skipped)

			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d artifacts, %d meetings, %d motions, %d votes, skipped %d\n",
				len(b.Artifacts), len(b.Meetings), len(b.Motions), len(b.Votes), skipped)
			return nil
		},
	}
}
