package lark

// Card is an interactive message card (message card JSON v1).
type Card struct {
	Config   CardConfig `json:"config"`
	Header   CardHeader `json:"header"`
	Elements []any      `json:"elements"`
}

type CardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
}

type CardHeader struct {
	Title    Text   `json:"title"`
	Template string `json:"template"`
}

// Text is a plain_text or lark_md text object.
type Text struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

func PlainText(s string) Text { return Text{Tag: "plain_text", Content: s} }
func Markdown(s string) Text  { return Text{Tag: "lark_md", Content: s} }

type Div struct {
	Tag  string `json:"tag"`
	Text Text   `json:"text"`
}

type Button struct {
	Tag   string            `json:"tag"`
	Text  Text              `json:"text"`
	Type  string            `json:"type"`
	Value map[string]string `json:"value"`
}

type ActionBlock struct {
	Tag     string   `json:"tag"`
	Actions []Button `json:"actions"`
}

type Rule struct {
	Tag string `json:"tag"`
}

type Note struct {
	Tag      string `json:"tag"`
	Elements []Text `json:"elements"`
}

// Header colour templates.
const (
	TemplateBlue  = "blue"
	TemplateGreen = "green"
	TemplateRed   = "red"
)

// NewCard builds a wide-screen card with a plain-text title.
func NewCard(title, template string, elements ...any) Card {
	return Card{
		Config:   CardConfig{WideScreenMode: true},
		Header:   CardHeader{Title: PlainText(title), Template: template},
		Elements: elements,
	}
}

// MarkdownBlock is a div holding lark_md text.
func MarkdownBlock(s string) Div { return Div{Tag: "div", Text: Markdown(s)} }

// Divider is a horizontal rule.
func Divider() Rule { return Rule{Tag: "hr"} }

// NoteBlock is a small grey footnote.
func NoteBlock(s string) Note { return Note{Tag: "note", Elements: []Text{Markdown(s)}} }

// PrimaryButton is a button whose value is posted back in a card action.
func PrimaryButton(label string, value map[string]string) Button {
	return Button{Tag: "button", Text: PlainText(label), Type: "primary", Value: value}
}

// Actions groups buttons in one row.
func Actions(buttons ...Button) ActionBlock {
	return ActionBlock{Tag: "action", Actions: buttons}
}
