package dto

type HealthResponse struct {
	Status string `json:"status"`
}

type IndexMetadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type IndexResponse struct {
	Quip     string        `json:"quip"`
	Metadata IndexMetadata `json:"metadata"`
}
