package models

const (
	ContextSeparator = "\n---\n"
	ThinkTag         = `(?s)<think>.*?</think>`

	// metadata keys stored with every embedding record
	MetaOwner     = "owner"
	MetaFileName  = "file_name"
	MetaCreatedAt = "created_at"
	MetaSeq       = "seq"

	// NoDocumentsAnswer is returned instead of calling the model when retrieval finds nothing.
	NoDocumentsAnswer = "No relevant documents found for this query."
)

var (
	SystemPrompt = `You are a helpful assistant. Answer the question using only the provided context.
If the context does not contain the answer, say that the uploaded documents do not cover it.`

	UserPromptTemplate = `Context:
%s

Question: %s`
)
