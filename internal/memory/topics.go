package memory

import (
	"sort"
	"strings"
)

// Keyword tables for the cheap derived signals. Matching is substring based
// over lowercased user-authored content, which is deliberately crude: topics
// and facts are advisory hints for the context assembler, not ground truth.
var topicKeywords = map[string][]string{
	"programming": {"code", "function", "bug", "compile", "python", "javascript", "golang", " api ", "library"},
	"ai":          {" ai ", "machine learning", "neural network", "llm", "model training", "inference"},
	"help":        {"how do i", "what should", "problem", "error", "question", "help me"},
	"casual":      {"hello", "hi there", "how are you", "thanks", "thank you", "goodbye"},
	"devops":      {"docker", "kubernetes", "deploy", "container", "server", "terraform"},
}

var interestFacts = map[string][]string{
	"Interested in AI and machine learning": {" ai ", "machine learning", "neural network"},
	"Works with DevOps tooling":             {"docker", "kubernetes", "devops"},
}

var programmingLanguages = []string{"python", "javascript", "java", "c++", "go", "rust", "php", "ruby"}

// ExtractTopics derives topic tags from the user-authored messages of a
// conversation.
func ExtractTopics(messages []Message) []string {
	seen := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role != RoleUser {
			continue
		}
		content := " " + strings.ToLower(msg.Content) + " "
		for topic, words := range topicKeywords {
			if seen[topic] {
				continue
			}
			for _, w := range words {
				if strings.Contains(content, w) {
					seen[topic] = true
					break
				}
			}
		}
	}
	topics := make([]string, 0, len(seen))
	for t := range seen {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// ExtractFacts derives user facts and a preference patch from one user
// message. Both may be empty.
func ExtractFacts(content string) (facts []string, prefs map[string]any) {
	padded := " " + strings.ToLower(content) + " "

	for _, lang := range programmingLanguages {
		if strings.Contains(padded, " "+lang+" ") {
			facts = append(facts, "Programs in "+lang)
		}
	}

	for fact, words := range interestFacts {
		for _, w := range words {
			if strings.Contains(padded, w) {
				facts = append(facts, fact)
				break
			}
		}
	}

	if name, ok := extractName(content); ok {
		facts = append(facts, "Name: "+name)
	}

	switch {
	case strings.Contains(padded, "answer in english"), strings.Contains(padded, "speak english"):
		prefs = map[string]any{"language": "en"}
	case strings.Contains(padded, "answer in russian"), strings.Contains(padded, "speak russian"):
		prefs = map[string]any{"language": "ru"}
	}

	sort.Strings(facts)
	return facts, prefs
}

func extractName(content string) (string, bool) {
	lower := strings.ToLower(content)
	idx := strings.Index(lower, "my name is ")
	if idx < 0 {
		return "", false
	}
	rest := content[idx+len("my name is "):]
	fields := strings.FieldsFunc(rest, func(r rune) bool {
		return r == ' ' || r == '.' || r == ',' || r == '!' || r == '?' || r == '\n'
	})
	if len(fields) == 0 {
		return "", false
	}
	name := fields[0]
	if len(name) < 2 {
		return "", false
	}
	for _, r := range name {
		if !isLetter(r) {
			return "", false
		}
	}
	return name, true
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r > 127
}
