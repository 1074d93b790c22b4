package catalog

// MediaType distinguishes movies from series throughout the client.
type MediaType string

const (
	Movie MediaType = "movie"
	TV    MediaType = "tv"
)

// MediaItem is one catalog title. Items are never mutated locally and only
// the currently rendered set is held in memory.
type MediaItem struct {
	ID           int       `json:"id"`
	MediaType    MediaType `json:"media_type"`
	Title        string    `json:"title"`
	Name         string    `json:"name"`
	PosterPath   string    `json:"poster_path"`
	BackdropPath string    `json:"backdrop_path"`
	Overview     string    `json:"overview"`
	VoteAverage  float64   `json:"vote_average"`
	VoteCount    int       `json:"vote_count"`
	ReleaseDate  string    `json:"release_date"`
	FirstAirDate string    `json:"first_air_date"`
	GenreIDs     []int     `json:"genre_ids"`
	OrigLanguage string    `json:"original_language"`
	Adult        bool      `json:"adult"`
}

// DisplayTitle returns the movie title or series name, whichever is set.
func (m MediaItem) DisplayTitle() string {
	if m.Title != "" {
		return m.Title
	}
	return m.Name
}

// ReleaseOrAirDate returns the release date for movies or the first air date
// for series.
func (m MediaItem) ReleaseOrAirDate() string {
	if m.ReleaseDate != "" {
		return m.ReleaseDate
	}
	return m.FirstAirDate
}

// TVDetails is the series-level metadata needed to drive episode selection.
type TVDetails struct {
	ID              int      `json:"id"`
	Name            string   `json:"name"`
	NumberOfSeasons int      `json:"number_of_seasons"`
	Seasons         []Season `json:"seasons"`
}

// Season is one season summary inside TVDetails.
type Season struct {
	SeasonNumber int    `json:"season_number"`
	Name         string `json:"name"`
	EpisodeCount int    `json:"episode_count"`
}

// SeasonDetails lists the episodes of one season.
type SeasonDetails struct {
	SeasonNumber int       `json:"season_number"`
	Episodes     []Episode `json:"episodes"`
}

// Episode is one episode inside SeasonDetails.
type Episode struct {
	EpisodeNumber int    `json:"episode_number"`
	Name          string `json:"name"`
	Overview      string `json:"overview"`
	StillPath     string `json:"still_path"`
}
