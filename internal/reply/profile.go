package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nvoss/dmpilot/internal/llm"
	"github.com/nvoss/dmpilot/internal/storage"
)

const profileHistoryLimit = 200

// ProfileGenerator is the external profile-generation boundary
type ProfileGenerator interface {
	GenerateProfile(ctx context.Context, transcript string) (*llm.Profile, error)
}

// ProfileService manages persona profiles: cached per chat, regenerated on
// demand from the transcript, always overwritten wholesale.
type ProfileService struct {
	gen ProfileGenerator
}

// NewProfileService creates a profile service
func NewProfileService(gen ProfileGenerator) *ProfileService {
	return &ProfileService{gen: gen}
}

// Get returns the cached profile for a chat, or nil when none exists
func (s *ProfileService) Get(chatID string) (*llm.Profile, error) {
	row, err := storage.GetProfile(chatID)
	if err != nil || row == nil {
		return nil, err
	}
	var profile llm.Profile
	if err := json.Unmarshal([]byte(row.ProfileData), &profile); err != nil {
		// A corrupt cache entry is treated as a miss and regenerated.
		log.Printf("[Profile] Cached profile for %q corrupt: %v", chatID, err)
		return nil, nil
	}
	return &profile, nil
}

// GetOrGenerate returns the cached profile, generating and caching one from
// the transcript on a miss.
func (s *ProfileService) GetOrGenerate(ctx context.Context, chatID string, transcript []storage.Message) (*llm.Profile, error) {
	if cached, err := s.Get(chatID); err != nil {
		return nil, err
	} else if cached != nil {
		return cached, nil
	}
	return s.Regenerate(ctx, chatID, transcript)
}

// Regenerate builds a fresh profile from the transcript and overwrites any
// cached one.
func (s *ProfileService) Regenerate(ctx context.Context, chatID string, transcript []storage.Message) (*llm.Profile, error) {
	if len(transcript) == 0 {
		return nil, fmt.Errorf("no history to profile for %q", chatID)
	}

	log.Printf("[Profile] Generating profile for %q (%d messages)", chatID, len(transcript))
	profile, err := s.gen.GenerateProfile(ctx, FormatTranscript(transcript, profileHistoryLimit))
	if err != nil {
		return nil, err
	}

	if err := s.save(chatID, profile); err != nil {
		// The generated profile is still usable this cycle.
		log.Printf("[Profile] Save failed for %q: %v", chatID, err)
	}
	return profile, nil
}

// Update replaces the stored profile with an operator-edited one, wholesale
func (s *ProfileService) Update(chatID string, data json.RawMessage) (*llm.Profile, error) {
	var profile llm.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("invalid profile payload: %w", err)
	}
	if err := s.save(chatID, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *ProfileService) save(chatID string, profile *llm.Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return storage.SaveProfile(chatID, string(data))
}
