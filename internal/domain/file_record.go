package domain

type FileRecord struct {
	Name         string       `json:"name"`
	Length       int64        `json:"length"`
	RelativePath string       `json:"relativePath"`
	Progress     float64      `json:"progress"`
	Selected     bool         `json:"selected"`
	Priority     FilePriority `json:"priority"`
}
