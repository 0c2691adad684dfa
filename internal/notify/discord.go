package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/reindex"
)

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts run reports to a Discord channel. Messages go over the REST
// API; no gateway connection is opened.
type Discord struct {
	session discordSession
	channel string
}

// NewDiscord creates a Discord notifier from a bot token and channel ID.
func NewDiscord(token, channel string) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	return &Discord{session: session, channel: channel}, nil
}

// Post sends the report as an embed.
func (d *Discord) Post(ctx context.Context, rep *reindex.Report) error {
	fields := make([]*discordgo.MessageEmbedField, 0, len(reportFields(rep)))
	for _, f := range reportFields(rep) {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	embed := &discordgo.MessageEmbed{
		Title:  reportTitle(rep),
		Color:  hexColor(reportColor(rep)),
		Fields: fields,
	}

	if _, err := d.session.ChannelMessageSendEmbed(d.channel, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("notify: discord post to %s: %w", d.channel, err)
	}
	return nil
}

// hexColor converts a "#rrggbb" sidebar color to Discord's integer form.
func hexColor(c string) int {
	n, err := strconv.ParseInt(strings.TrimPrefix(c, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(n)
}
