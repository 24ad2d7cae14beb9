package domain

// Payload shapes produced by the generation provider. A raw response payload
// is stored verbatim and only parsed on read; these are the expected JSON
// forms once parsing succeeds.

// ChapterPayload is the single-chapter form.
type ChapterPayload struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// BookPayload is the whole-book form.
type BookPayload struct {
	Title    string           `json:"title"`
	Chapters []ChapterPayload `json:"chapters"`
}
