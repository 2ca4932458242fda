package service

import (
	"encoding/json"
	"fmt"

	"github.com/bigkaa/streambed/internal/domain/model"
)

// DocumentVersion — версия в JSON ресурса.
type DocumentVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// ResourceDocument — JSON ресурса, который отдаёт .../json и который
// разбирает remoteclient на стороне запрашивающего домена.
type ResourceDocument struct {
	Domain      string          `json:"domain"`
	Username    string          `json:"username"`
	Kind        model.Kind      `json:"kind"`
	Name        string          `json:"name"`
	Version     DocumentVersion `json:"version"`
	Status      model.Status    `json:"status"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// BuildDocument сериализует локальную версию ресурса.
func BuildDocument(res *model.Resource) (json.RawMessage, error) {
	doc := ResourceDocument{
		Domain:   res.Domain,
		Username: res.Username,
		Kind:     res.Kind,
		Name:     res.Name,
		Version: DocumentVersion{
			Major: res.Version.Major,
			Minor: res.Version.Minor,
			Patch: res.Version.Patch,
		},
		Status:      res.Status,
		Description: res.Description,
		Payload:     res.Payload,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("сериализация ресурса %d: %w", res.ExtraID, err)
	}
	return b, nil
}
