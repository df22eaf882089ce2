package analysis

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Analyzer scores raw message text for sentiment, emotions, crisis indicators,
// coping mentions, and themes. Analyze is pure and deterministic: the same text
// always produces the same result, and no input can make it panic.
type Analyzer struct {
	logger *logrus.Entry

	// Lexicon-based analysis
	positiveWords map[string]float64
	negativeWords map[string]float64
	intensifiers  map[string]float64
	negators      map[string]float64

	// Category keyword sets
	emotionKeywords map[string]map[string]float64
	crisisPhrases   []string
	selfHarmPhrases []string
	copingKeywords  map[string]string
	themeKeywords   map[string]string

	// Performance optimization
	cacheMaxSize int
	resultCache  map[string]Result

	// Thread safety for cache and stats
	mutex sync.RWMutex

	stats *Stats
}

// Stats tracks analyzer activity
type Stats struct {
	mutex            sync.RWMutex
	TotalAnalyses    int64     `json:"total_analyses"`
	CrisisDetected   int64     `json:"crisis_detected"`
	PositiveDetected int64     `json:"positive_detected"`
	NegativeDetected int64     `json:"negative_detected"`
	NeutralDetected  int64     `json:"neutral_detected"`
	CacheHits        int64     `json:"cache_hits"`
	CacheMisses      int64     `json:"cache_misses"`
	LastReset        time.Time `json:"last_reset"`
}

// NewAnalyzer creates a new text risk analyzer
func NewAnalyzer(logger *logrus.Logger) *Analyzer {
	a := &Analyzer{
		logger:       logger.WithField("component", "risk_analyzer"),
		cacheMaxSize: 1000,
		resultCache:  make(map[string]Result),
		stats:        &Stats{LastReset: time.Now()},
	}

	a.initializeLexicons()
	a.initializeCategories()

	return a
}

// Analyze scores the given text. Empty or blank input returns the neutral
// default result rather than an error.
func (a *Analyzer) Analyze(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return NeutralResult()
	}

	if cached, ok := a.getCachedResult(trimmed); ok {
		a.stats.mutex.Lock()
		a.stats.CacheHits++
		a.stats.mutex.Unlock()
		return cached
	}

	lowered := strings.ToLower(trimmed)
	tokens := strings.Fields(lowered)

	sentiment := a.scoreSentiment(tokens)
	emotions := a.detectEmotions(lowered, len(tokens))
	crisis := a.assessCrisis(lowered, sentiment)
	coping := a.detectCoping(lowered)
	themes := a.extractThemes(lowered)

	result := Result{
		Sentiment:        sentiment,
		Emotions:         emotions,
		Crisis:           crisis,
		CopingMechanisms: coping,
		Themes:           themes,
	}

	a.cacheResult(trimmed, result)
	a.updateStats(result)

	return result
}

// scoreSentiment performs lexicon scoring with negator and intensifier handling.
// The raw score is normalized to [-1, 1]; confidence = min(1, |score| + 0.3).
func (a *Analyzer) scoreSentiment(tokens []string) Sentiment {
	if len(tokens) == 0 {
		return Sentiment{Label: "neutral", Score: 0, Confidence: 0}
	}

	score := 0.0
	hits := 0
	modifier := 1.0

	for i, word := range tokens {
		word = strings.Trim(word, ".,!?;:\"'")

		if negValue, isNegator := a.negators[word]; isNegator {
			modifier = negValue
			continue
		}
		if intValue, isIntensifier := a.intensifiers[word]; isIntensifier {
			modifier *= intValue
			continue
		}

		if posValue, ok := a.positiveWords[word]; ok {
			score += posValue * modifier
			hits++
		} else if negValue, ok := a.negativeWords[word]; ok {
			score += negValue * modifier
			hits++
		}

		// Modifiers only reach a few words ahead
		if i > 0 && i%3 == 0 {
			modifier = 1.0
		}
	}

	normalized := 0.0
	if hits > 0 {
		normalized = score / float64(hits)
	}
	normalized = math.Max(-1, math.Min(1, normalized))

	label := "neutral"
	if normalized > 0.1 {
		label = "positive"
	} else if normalized < -0.1 {
		label = "negative"
	}

	return Sentiment{
		Label:      label,
		Score:      normalized,
		Confidence: math.Min(1, math.Abs(normalized)+0.3),
	}
}

// detectEmotions matches category keyword sets against the text. Confidence per
// category is min(1, weight / (tokens * 0.1)); the top three are returned.
func (a *Analyzer) detectEmotions(lowered string, tokenCount int) []Emotion {
	if tokenCount == 0 {
		return nil
	}

	var detected []Emotion
	for category, keywords := range a.emotionKeywords {
		weight := 0.0
		for keyword, kw := range keywords {
			if strings.Contains(lowered, keyword) {
				weight += kw
			}
		}
		if weight == 0 {
			continue
		}
		detected = append(detected, Emotion{
			Name:       category,
			Confidence: math.Min(1, weight/(float64(tokenCount)*0.1)),
		})
	}

	sort.Slice(detected, func(i, j int) bool {
		if detected[i].Confidence != detected[j].Confidence {
			return detected[i].Confidence > detected[j].Confidence
		}
		return detected[i].Name < detected[j].Name
	})

	if len(detected) > 3 {
		detected = detected[:3]
	}
	return detected
}

// assessCrisis matches the high-risk phrase list and applies the count rule:
// three or more matches is critical, two is high, a single match is moderate
// and only counts as a crisis when sentiment is confidently negative.
func (a *Analyzer) assessCrisis(lowered string, sentiment Sentiment) CrisisAssessment {
	var matched []string
	for _, phrase := range a.crisisPhrases {
		if strings.Contains(lowered, phrase) {
			matched = append(matched, phrase)
		}
	}

	count := len(matched)
	assessment := CrisisAssessment{
		Indicators: matched,
		RiskLevel:  RiskLow,
		Confidence: math.Min(1, float64(count)*0.3),
	}

	switch {
	case count >= 3:
		assessment.IsCrisis = true
		assessment.RiskLevel = RiskCritical
	case count == 2:
		assessment.IsCrisis = true
		assessment.RiskLevel = RiskHigh
	case count == 1:
		assessment.RiskLevel = RiskModerate
		// A single soft indicator alone does not trigger crisis
		if sentiment.Label == "negative" && sentiment.Confidence > 0.7 {
			assessment.IsCrisis = true
		}
	}

	return assessment
}

// HasSelfHarmIndicators reports whether any of the matched indicators carry
// self-harm or suicidal phrasing specifically.
func (a *Analyzer) HasSelfHarmIndicators(indicators []string) bool {
	for _, indicator := range indicators {
		for _, phrase := range a.selfHarmPhrases {
			if indicator == phrase {
				return true
			}
		}
	}
	return false
}

// detectCoping is a best-effort keyword pass; it degrades to nil on no matches
func (a *Analyzer) detectCoping(lowered string) []string {
	var mentions []string
	seen := make(map[string]bool)
	for keyword, mechanism := range a.copingKeywords {
		if strings.Contains(lowered, keyword) && !seen[mechanism] {
			seen[mechanism] = true
			mentions = append(mentions, mechanism)
		}
	}
	sort.Strings(mentions)
	return mentions
}

// extractThemes is a best-effort keyword pass; it degrades to nil on no matches
func (a *Analyzer) extractThemes(lowered string) []string {
	var themes []string
	seen := make(map[string]bool)
	for keyword, theme := range a.themeKeywords {
		if strings.Contains(lowered, keyword) && !seen[theme] {
			seen[theme] = true
			themes = append(themes, theme)
		}
	}
	sort.Strings(themes)
	return themes
}

func (a *Analyzer) getCachedResult(text string) (Result, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	result, ok := a.resultCache[text]
	return result, ok
}

func (a *Analyzer) cacheResult(text string, result Result) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if len(a.resultCache) >= a.cacheMaxSize {
		// Evict a quarter of the entries (simplified LRU)
		count := 0
		target := a.cacheMaxSize / 4
		for key := range a.resultCache {
			delete(a.resultCache, key)
			count++
			if count >= target {
				break
			}
		}
	}
	a.resultCache[text] = result
}

func (a *Analyzer) updateStats(result Result) {
	a.stats.mutex.Lock()
	defer a.stats.mutex.Unlock()

	a.stats.TotalAnalyses++
	a.stats.CacheMisses++
	if result.Crisis.IsCrisis {
		a.stats.CrisisDetected++
	}
	switch result.Sentiment.Label {
	case "positive":
		a.stats.PositiveDetected++
	case "negative":
		a.stats.NegativeDetected++
	default:
		a.stats.NeutralDetected++
	}
}

// GetStats returns a copy of the analyzer statistics
func (a *Analyzer) GetStats() *Stats {
	a.stats.mutex.RLock()
	defer a.stats.mutex.RUnlock()

	return &Stats{
		TotalAnalyses:    a.stats.TotalAnalyses,
		CrisisDetected:   a.stats.CrisisDetected,
		PositiveDetected: a.stats.PositiveDetected,
		NegativeDetected: a.stats.NegativeDetected,
		NeutralDetected:  a.stats.NeutralDetected,
		CacheHits:        a.stats.CacheHits,
		CacheMisses:      a.stats.CacheMisses,
		LastReset:        a.stats.LastReset,
	}
}

// initializeLexicons initializes sentiment word lexicons
func (a *Analyzer) initializeLexicons() {
	a.positiveWords = map[string]float64{
		"good": 0.7, "great": 0.8, "better": 0.6, "hopeful": 0.8, "hope": 0.7,
		"happy": 0.8, "calm": 0.7, "relaxed": 0.7, "grateful": 0.8, "thankful": 0.8,
		"proud": 0.7, "love": 0.8, "enjoy": 0.7, "excited": 0.8, "peaceful": 0.8,
		"improving": 0.7, "progress": 0.7, "supported": 0.7, "safe": 0.6, "okay": 0.4,
	}

	a.negativeWords = map[string]float64{
		"bad": -0.7, "terrible": -0.8, "awful": -0.9, "horrible": -0.9, "worthless": -0.9,
		"hopeless": -0.9, "helpless": -0.8, "sad": -0.7, "depressed": -0.8, "anxious": -0.7,
		"scared": -0.7, "afraid": -0.7, "angry": -0.8, "alone": -0.7, "lonely": -0.8,
		"exhausted": -0.7, "tired": -0.5, "hate": -0.8, "hurt": -0.7, "pain": -0.7,
		"crying": -0.7, "empty": -0.7, "numb": -0.7, "trapped": -0.8, "burden": -0.8,
	}

	a.intensifiers = map[string]float64{
		"very": 1.3, "extremely": 1.5, "really": 1.2, "so": 1.2, "completely": 1.4,
		"totally": 1.4, "absolutely": 1.4, "incredibly": 1.5, "deeply": 1.3,
	}

	a.negators = map[string]float64{
		"not": -1.0, "never": -1.0, "no": -1.0, "nothing": -1.0, "nobody": -1.0,
		"barely": -0.7, "hardly": -0.7, "without": -0.8,
	}
}

// initializeCategories initializes emotion, crisis, coping and theme keyword sets
func (a *Analyzer) initializeCategories() {
	a.emotionKeywords = map[string]map[string]float64{
		"anxiety": {
			"anxious": 1.0, "anxiety": 1.0, "panic": 1.0, "worried": 0.8,
			"nervous": 0.8, "on edge": 0.8, "racing thoughts": 1.0, "overwhelmed": 0.8,
		},
		"depression": {
			"depressed": 1.0, "depression": 1.0, "hopeless": 1.0, "worthless": 1.0,
			"empty": 0.8, "numb": 0.8, "no energy": 0.8, "can't get out of bed": 1.0,
		},
		"anger": {
			"angry": 1.0, "furious": 1.0, "rage": 1.0, "irritated": 0.7,
			"frustrated": 0.7, "fed up": 0.8,
		},
		"joy": {
			"happy": 1.0, "joy": 1.0, "excited": 0.8, "grateful": 0.8,
			"wonderful": 0.8, "great day": 0.8,
		},
		"fear": {
			"scared": 1.0, "afraid": 1.0, "terrified": 1.0, "fear": 0.8,
			"frightened": 1.0, "unsafe": 0.8,
		},
		"calm": {
			"calm": 1.0, "peaceful": 1.0, "relaxed": 1.0, "at ease": 0.8,
			"settled": 0.7,
		},
		"stress": {
			"stressed": 1.0, "stress": 1.0, "pressure": 0.8, "burnout": 1.0,
			"burned out": 1.0, "too much": 0.7, "overloaded": 0.8,
		},
	}

	// High-risk phrase list. Self-harm/suicidal phrasing is the subset that
	// drives the crisisType decision and hotline annotation.
	a.selfHarmPhrases = []string{
		"kill myself", "end my life", "suicide", "suicidal", "want to die",
		"hurt myself", "harm myself", "cut myself", "self harm", "self-harm",
		"better off dead", "end it all",
	}
	a.crisisPhrases = append([]string{
		"can't go on", "no reason to live", "give up", "no way out",
		"nothing matters", "can't take it anymore", "goodbye forever",
	}, a.selfHarmPhrases...)
	sort.Strings(a.crisisPhrases)

	a.copingKeywords = map[string]string{
		"breathing":  "breathing_exercises",
		"breathe":    "breathing_exercises",
		"meditation": "meditation",
		"meditate":   "meditation",
		"journal":    "journaling",
		"writing":    "journaling",
		"walk":       "physical_activity",
		"exercise":   "physical_activity",
		"running":    "physical_activity",
		"music":      "music",
		"therapist":  "professional_support",
		"therapy":    "professional_support",
		"counselor":  "professional_support",
		"friend":     "social_support",
		"family":     "social_support",
		"talked to":  "social_support",
	}

	a.themeKeywords = map[string]string{
		"work":         "work",
		"job":          "work",
		"boss":         "work",
		"school":       "school",
		"exam":         "school",
		"class":        "school",
		"relationship": "relationships",
		"partner":      "relationships",
		"boyfriend":    "relationships",
		"girlfriend":   "relationships",
		"marriage":     "relationships",
		"family":       "family",
		"parents":      "family",
		"mother":       "family",
		"father":       "family",
		"sleep":        "sleep",
		"insomnia":     "sleep",
		"money":        "finances",
		"rent":         "finances",
		"debt":         "finances",
		"health":       "health",
		"sick":         "health",
	}
}
