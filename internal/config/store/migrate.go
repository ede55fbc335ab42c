package store

import (
	"fmt"

	"github.com/google/uuid"
)

// MigrationResult reports what Migrate changed.
type MigrationResult struct {
	Changed     bool
	FromVersion int
	ToVersion   int
	Notes       []string
}

// NewUUID is the default id generator used by Migrate.
func NewUUID() string {
	return uuid.NewString()
}

// Migrate upgrades doc to CurrentVersion. It is pure: the input is not
// modified and newID is the only source of fresh values. Running Migrate on
// its own output reports Changed == false.
func Migrate(doc Document, newID func() string) (Document, MigrationResult) {
	if newID == nil {
		newID = NewUUID
	}
	out := doc.Clone()
	res := MigrationResult{FromVersion: doc.ConfigVersion, ToVersion: doc.ConfigVersion}

	if legacy := out.AmpOpenAIProvider; legacy != nil {
		if len(out.AmpOpenAIProviders) == 0 {
			promoted := cloneOpenAIProvider(*legacy)
			if promoted.ID == "" {
				promoted.ID = newID()
			}
			if promoted.Models == nil {
				promoted.Models = []ModelAlias{}
			}
			out.AmpOpenAIProviders = []OpenAIProvider{promoted}
			res.Notes = append(res.Notes, fmt.Sprintf("promoted ampOpenaiProvider %q into ampOpenaiProviders", promoted.Name))
		} else {
			res.Notes = append(res.Notes, "dropped ampOpenaiProvider; ampOpenaiProviders already populated")
		}
		out.AmpOpenAIProvider = nil
		res.Changed = true
	}

	for i := range out.AmpOpenAIProviders {
		if out.AmpOpenAIProviders[i].ID == "" {
			out.AmpOpenAIProviders[i].ID = newID()
			res.Notes = append(res.Notes, fmt.Sprintf("assigned id to ampOpenaiProviders[%d]", i))
			res.Changed = true
		}
	}

	if out.ConfigVersion < CurrentVersion {
		out.ConfigVersion = CurrentVersion
		res.Changed = true
	}
	res.ToVersion = out.ConfigVersion

	return out, res
}
