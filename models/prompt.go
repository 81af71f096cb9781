package models

// Account is one credential pair from the account pool.
type Account struct {
	Email    string `yaml:"email" json:"email"`
	Password string `yaml:"password" json:"-"`
}

// Prompt is a single entry of the ordered prompt list.
type Prompt struct {
	// ID is the identifier from the source record, or the query index
	// when the record has none.
	ID string

	// Text is the raw prompt text as loaded.
	Text string

	// QueryIndex is the position of the prompt in the full list.
	QueryIndex int
}
