package biz

import (
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"

	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/internal/pkg/textutil"
)

// NormalizerConfig tunes passage normalization.
type NormalizerConfig struct {
	// MaxTokens caps passage bodies, truncated at sentence boundaries.
	MaxTokens int
}

// DefaultNormalizerConfig returns the default normalizer configuration.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{MaxTokens: 512}
}

// deliveryModes maps catalog delivery-mode codes to readable names.
var deliveryModes = map[string]string{
	"PC": "In-Person",
	"AD": "Online (Async)",
	"PD": "Partially Online",
	"HB": "Hybrid",
}

// Normalizer converts source records into uniform passages. It is
// stateless and safe for concurrent use.
type Normalizer struct {
	cfg       NormalizerConfig
	converter *md.Converter
}

// NewNormalizer creates a normalizer.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Normalizer{
		cfg:       cfg,
		converter: converter,
	}
}

// Normalize renders a resolved record into its passage form. The
// passage ID is a content hash over (entity key, source kind, truncated
// body), so identical input always yields an identical passage.
func (n *Normalizer) Normalize(rec model.SourceRecord, key model.EntityKey) (model.Passage, error) {
	var body string
	var err error

	switch rec.Kind {
	case model.SourceCatalog:
		body, err = n.catalogBody(rec, key)
	case model.SourceReview:
		body, err = n.reviewBody(rec, key)
	case model.SourceEval:
		body, err = n.evalBody(rec, key)
	case model.SourceForum:
		body, err = n.forumBody(rec, key)
	default:
		err = fmt.Errorf("%w: unknown source kind %q", ErrNormalization, rec.Kind)
	}
	if err != nil {
		return model.Passage{}, err
	}

	body = textutil.TruncateAtSentence(body, n.cfg.MaxTokens)
	if strings.TrimSpace(body) == "" {
		return model.Passage{}, fmt.Errorf("%w: empty body for %s record %s", ErrNormalization, rec.Kind, rec.SourceID)
	}

	attrs := rec.Attributes
	attrs.Sentiment = sentimentFor(rec)

	return model.Passage{
		ID:          textutil.HashContent(key.String(), string(rec.Kind), body),
		Entity:      key,
		Kind:        rec.Kind,
		Body:        body,
		Attributes:  attrs,
		SourceID:    rec.SourceID,
		RetrievedAt: rec.RetrievedAt,
	}, nil
}

func (n *Normalizer) catalogBody(rec model.SourceRecord, key model.EntityKey) (string, error) {
	a := rec.Attributes
	if a.CourseTitle == "" && a.Description == "" {
		return "", fmt.Errorf("%w: catalog record %s has neither title nor description", ErrNormalization, rec.SourceID)
	}

	var sb strings.Builder
	sb.WriteString(key.CourseCode())
	if a.CourseTitle != "" {
		sb.WriteString(" ")
		sb.WriteString(a.CourseTitle)
	}
	if a.Credits != "" {
		fmt.Fprintf(&sb, " (%s credits)", a.Credits)
	}
	if a.Term != "" {
		sb.WriteString(", ")
		sb.WriteString(a.Term)
	}
	if a.Instructor != "" {
		sb.WriteString(", taught by ")
		sb.WriteString(a.Instructor)
	}
	if mode, ok := deliveryModes[strings.ToUpper(a.DeliveryMode)]; ok {
		sb.WriteString(", ")
		sb.WriteString(mode)
	} else if a.DeliveryMode != "" {
		sb.WriteString(", ")
		sb.WriteString(a.DeliveryMode)
	}
	sb.WriteString(".")
	if a.Description != "" {
		sb.WriteString(" ")
		sb.WriteString(strings.TrimSpace(a.Description))
	}
	if a.Prerequisites != "" {
		sb.WriteString(" Prerequisites: ")
		sb.WriteString(strings.TrimSpace(a.Prerequisites))
		if !strings.HasSuffix(a.Prerequisites, ".") {
			sb.WriteString(".")
		}
	}
	return sb.String(), nil
}

func (n *Normalizer) reviewBody(rec model.SourceRecord, key model.EntityKey) (string, error) {
	a := rec.Attributes
	if a.Rating == 0 && strings.TrimSpace(rec.Body) == "" {
		return "", fmt.Errorf("%w: review record %s has neither rating nor comment", ErrNormalization, rec.SourceID)
	}

	var sb strings.Builder
	sb.WriteString("A student rated ")
	sb.WriteString(key.CourseCode())
	if a.Instructor != "" {
		sb.WriteString(" with ")
		sb.WriteString(a.Instructor)
	}
	fmt.Fprintf(&sb, " %.1f/5", a.Rating)
	var details []string
	if a.Difficulty > 0 {
		details = append(details, fmt.Sprintf("difficulty %.1f", a.Difficulty))
	}
	if a.WouldTakeAgain > 0 {
		details = append(details, fmt.Sprintf("%.0f%% would take again", a.WouldTakeAgain))
	}
	if a.Grade != "" {
		details = append(details, "grade "+a.Grade)
	}
	if len(details) > 0 {
		fmt.Fprintf(&sb, " (%s)", strings.Join(details, ", "))
	}
	if comment := strings.TrimSpace(rec.Body); comment != "" {
		fmt.Fprintf(&sb, ": %q", comment)
	} else {
		sb.WriteString(".")
	}
	if a.Tags != "" {
		sb.WriteString(" Tags: ")
		sb.WriteString(a.Tags)
		sb.WriteString(".")
	}
	return sb.String(), nil
}

func (n *Normalizer) evalBody(rec model.SourceRecord, key model.EntityKey) (string, error) {
	a := rec.Attributes
	if a.AvgRating == 0 && a.AvgGPA == 0 {
		return "", fmt.Errorf("%w: eval record %s carries no evaluation figures", ErrNormalization, rec.SourceID)
	}

	var sb strings.Builder
	sb.WriteString("Course evaluations for ")
	sb.WriteString(key.CourseCode())
	if a.Instructor != "" {
		sb.WriteString(" with ")
		sb.WriteString(a.Instructor)
	}
	if a.Term != "" {
		sb.WriteString(" in ")
		sb.WriteString(a.Term)
	}
	sb.WriteString(" report")
	var figures []string
	if a.AvgRating > 0 {
		figures = append(figures, fmt.Sprintf("an average instructor rating of %.1f/5", a.AvgRating))
	}
	if a.AvgGPA > 0 {
		figures = append(figures, fmt.Sprintf("an average GPA of %.1f", a.AvgGPA))
	}
	sb.WriteString(" ")
	sb.WriteString(strings.Join(figures, " and "))
	if a.ResponseCount > 0 {
		fmt.Fprintf(&sb, " across %d responses", a.ResponseCount)
	}
	sb.WriteString(".")
	return sb.String(), nil
}

func (n *Normalizer) forumBody(rec model.SourceRecord, key model.EntityKey) (string, error) {
	a := rec.Attributes
	text := rec.Body
	if strings.Contains(text, "<") {
		converted, err := n.converter.ConvertString(text)
		if err != nil {
			return "", fmt.Errorf("%w: strip markup for %s: %v", ErrNormalization, rec.SourceID, err)
		}
		text = converted
	}
	text = flattenMarkdown(text)

	if text == "" && a.Title == "" {
		return "", fmt.Errorf("%w: forum record %s is empty", ErrNormalization, rec.SourceID)
	}

	var sb strings.Builder
	sb.WriteString("Forum post about ")
	sb.WriteString(key.CourseCode())
	if a.Title != "" {
		fmt.Fprintf(&sb, " titled %q", a.Title)
	}
	if a.Flair != "" {
		fmt.Fprintf(&sb, " [%s]", a.Flair)
	}
	sb.WriteString(": ")
	if text != "" {
		sb.WriteString(text)
	} else {
		sb.WriteString(a.Title)
	}
	if !strings.HasSuffix(sb.String(), ".") {
		sb.WriteString(".")
	}
	return sb.String(), nil
}

var (
	mdLinkRe    = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdMarkersRe = regexp.MustCompile("[*_`~#>]+")
	spaceRunRe  = regexp.MustCompile(`\s+`)
)

// flattenMarkdown reduces markdown output to plain text: links keep
// their text, emphasis and heading markers drop, whitespace collapses.
func flattenMarkdown(s string) string {
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = mdMarkersRe.ReplaceAllString(s, "")
	s = spaceRunRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// sentimentFor tags review and eval passages by their numeric rating.
func sentimentFor(rec model.SourceRecord) string {
	var rating float64
	switch rec.Kind {
	case model.SourceReview:
		rating = rec.Attributes.Rating
	case model.SourceEval:
		rating = rec.Attributes.AvgRating
	default:
		return ""
	}
	switch {
	case rating == 0:
		return ""
	case rating >= 3.5:
		return "positive"
	case rating <= 2.5:
		return "negative"
	default:
		return "mixed"
	}
}
