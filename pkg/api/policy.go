package api

// ContentPolicy decides what happens to outbound content before it is stored.
// A non-empty warning marks the message as filtered; content may come back
// redacted.
type ContentPolicy interface {
	Review(content string) (reviewed string, warning string)
}

type PassThroughPolicy struct{}

func (PassThroughPolicy) Review(content string) (string, string) {
	return content, ""
}

// PolicyFunc adapts a function to ContentPolicy.
type PolicyFunc func(content string) (string, string)

func (f PolicyFunc) Review(content string) (string, string) {
	return f(content)
}
