package twitch

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/twitch-gpt-bot-go/internal/models"
)

// ErrEmptyLine is returned when parsing a blank protocol line.
var ErrEmptyLine = errors.New("empty irc line")

// Message is one parsed IRCv3 line.
type Message struct {
	Raw     string
	Tags    map[string]string
	Prefix  string
	Command string
	Params  []string
}

// Nick returns the nickname part of the prefix.
func (m Message) Nick() string {
	nick := m.Prefix
	if i := strings.IndexByte(nick, '!'); i >= 0 {
		nick = nick[:i]
	}
	return nick
}

// Trailing returns the last parameter, usually the message text.
func (m Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// ParseLine parses "@tags :prefix COMMAND params :trailing".
func ParseLine(line string) (Message, error) {
	raw := strings.TrimRight(line, "\r\n")
	rest := raw
	if strings.TrimSpace(rest) == "" {
		return Message{}, ErrEmptyLine
	}
	msg := Message{Raw: raw}

	if strings.HasPrefix(rest, "@") {
		end := strings.IndexByte(rest, ' ')
		if end < 0 {
			return Message{}, errors.New("irc line has tags but no command")
		}
		msg.Tags = parseTags(rest[1:end])
		rest = strings.TrimLeft(rest[end+1:], " ")
	}

	if strings.HasPrefix(rest, ":") {
		end := strings.IndexByte(rest, ' ')
		if end < 0 {
			return Message{}, errors.New("irc line has prefix but no command")
		}
		msg.Prefix = rest[1:end]
		rest = strings.TrimLeft(rest[end+1:], " ")
	}

	trailing, hasTrailing := "", false
	if i := strings.Index(rest, " :"); i >= 0 {
		trailing, hasTrailing = rest[i+2:], true
		rest = rest[:i]
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Message{}, errors.New("irc line has no command")
	}
	msg.Command = strings.ToUpper(fields[0])
	msg.Params = fields[1:]
	if hasTrailing {
		msg.Params = append(msg.Params, trailing)
	}
	return msg, nil
}

var tagUnescaper = strings.NewReplacer(`\:`, ";", `\s`, " ", `\\`, `\`, `\r`, "\r", `\n`, "\n")

func parseTags(s string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		tags[key] = tagUnescaper.Replace(value)
	}
	return tags
}

// toChatEvent converts a PRIVMSG into a chat event with its author.
func toChatEvent(m Message) *models.ChatEvent {
	channel := ""
	if len(m.Params) > 0 {
		channel = strings.TrimPrefix(m.Params[0], "#")
	}

	name := m.Nick()
	display := m.Tags["display-name"]
	if display == "" {
		display = name
	}

	timestamp := time.Now()
	if ms, err := strconv.ParseInt(m.Tags["tmi-sent-ts"], 10, 64); err == nil {
		timestamp = time.UnixMilli(ms)
	}

	return &models.ChatEvent{
		ID:      m.Tags["id"],
		Channel: channel,
		Author: &models.Author{
			ID:          m.Tags["user-id"],
			Name:        name,
			DisplayName: display,
			Badges:      m.Tags["badges"],
			Color:       m.Tags["color"],
		},
		Content:   m.Trailing(),
		RawData:   m.Raw,
		Timestamp: timestamp,
		Tags:      m.Tags,
	}
}

// botEvent is the event the bot sees for its own line. Twitch does not echo
// PRIVMSGs back to their sender, so the line is synthesised.
func botEvent(botName, channel, text string) *models.ChatEvent {
	return &models.ChatEvent{
		Channel:   channel,
		Content:   text,
		RawData:   ":" + botName + "!" + botName + "@" + botName + ".tmi.twitch.tv PRIVMSG #" + channel + " :" + text,
		Timestamp: time.Now(),
	}
}

// ExtractName returns the nick of a raw protocol line, the text between the
// first ':' and the first '!'.
func ExtractName(raw string) string {
	start := strings.IndexByte(raw, ':')
	end := strings.IndexByte(raw, '!')
	if start < 0 || end < 0 || end <= start {
		return "unknown_name - see message.raw_data for details"
	}
	return raw[start+1 : end]
}
