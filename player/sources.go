package player

import (
	"fmt"

	"github.com/cinelane/cinelane/catalog"
)

// Source is one candidate embed provider URL. Sources are derived, never
// persisted - they are rebuilt on every playback start and episode change.
type Source struct {
	Name string
	URL  string
}

// providerTemplate produces a provider's embed URL for a title.
type providerTemplate struct {
	name  string
	movie func(id int) string
	tv    func(id, season, episode int) string
}

// providers is the fixed candidate list. Order is the failover priority:
// index 0 is always tried first on every playback start and episode change.
var providers = []providerTemplate{
	{
		name:  "VidLink",
		movie: func(id int) string { return fmt.Sprintf("https://vidlink.pro/movie/%d", id) },
		tv: func(id, s, e int) string {
			return fmt.Sprintf("https://vidlink.pro/tv/%d/%d/%d", id, s, e)
		},
	},
	{
		name:  "VidSrc",
		movie: func(id int) string { return fmt.Sprintf("https://vidsrc.xyz/embed/movie/%d", id) },
		tv: func(id, s, e int) string {
			return fmt.Sprintf("https://vidsrc.xyz/embed/tv/%d/%d/%d", id, s, e)
		},
	},
	{
		name:  "EmbedSu",
		movie: func(id int) string { return fmt.Sprintf("https://embed.su/embed/movie/%d", id) },
		tv: func(id, s, e int) string {
			return fmt.Sprintf("https://embed.su/embed/tv/%d/%d/%d", id, s, e)
		},
	},
	{
		name:  "MultiEmbed",
		movie: func(id int) string { return fmt.Sprintf("https://multiembed.mov/?video_id=%d&tmdb=1", id) },
		tv: func(id, s, e int) string {
			return fmt.Sprintf("https://multiembed.mov/?video_id=%d&tmdb=1&s=%d&e=%d", id, s, e)
		},
	},
}

// BuildSources constructs the ordered candidate list for a title. Movies
// are parameterized by id alone; series also carry season and episode.
func BuildSources(mediaType catalog.MediaType, id, season, episode int) []Source {
	sources := make([]Source, 0, len(providers))
	for _, p := range providers {
		var u string
		if mediaType == catalog.TV {
			u = p.tv(id, season, episode)
		} else {
			u = p.movie(id)
		}
		sources = append(sources, Source{Name: p.name, URL: u})
	}
	return sources
}
