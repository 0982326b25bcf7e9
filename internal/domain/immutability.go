package domain

import (
	"errors"
	"fmt"
	"reflect"
)

// EnsureCheckpointImmutable enforces the append-only contract for confirmed
// checkpoints.
func EnsureCheckpointImmutable(before, after ConfirmationCheckpoint) error {
	if before.RunID == "" || after.RunID == "" {
		return errors.New("checkpoint run ids are required")
	}
	if before.RunID != after.RunID {
		return fmt.Errorf("checkpoint run id changed from %q to %q", before.RunID, after.RunID)
	}
	if before.SegmentIndex != after.SegmentIndex {
		return errors.New("segment index is immutable")
	}
	if before.CandidateID != after.CandidateID {
		return errors.New("candidate id is immutable")
	}
	if before.ArtifactRef != after.ArtifactRef {
		return errors.New("artifact ref is immutable")
	}
	if !reflect.DeepEqual(before.NextIndex, after.NextIndex) {
		return errors.New("next index is immutable")
	}
	return nil
}

// EnsureSourceTextImmutable enforces immutability of finalized upload
// content. Title and metadata stay editable.
func EnsureSourceTextImmutable(before, after SourceText) error {
	if before.ID == "" || after.ID == "" {
		return errors.New("source text ids are required")
	}
	if before.ID != after.ID {
		return fmt.Errorf("source text id changed from %q to %q", before.ID, after.ID)
	}
	if before.ProjectID != after.ProjectID {
		return errors.New("project id is immutable")
	}
	if before.ObjectKey != after.ObjectKey {
		return errors.New("object key is immutable")
	}
	if before.ContentSHA256 != after.ContentSHA256 {
		return errors.New("content sha256 is immutable")
	}
	if before.SizeBytes != after.SizeBytes {
		return errors.New("size bytes is immutable")
	}
	return nil
}
