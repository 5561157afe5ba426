package registry

import (
	"context"
	"fmt"
	"strings"
)

// Severity levels for pattern findings
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
)

// Issue types reported by AnalyzePatterns
const (
	IssueWildcardSubscriber = "WILDCARD_SUBSCRIBER"
	IssueSysTopicPublish    = "SYS_TOPIC_PUBLISH"
)

// ClientDetails aggregates every record held for one client identity.
type ClientDetails struct {
	ClientID               string             `json:"client_id"`
	IsPublisher            bool               `json:"is_publisher"`
	IsSubscriber           bool               `json:"is_subscriber"`
	Role                   string             `json:"role"`
	PublishedTopics        []string           `json:"published_topics"`
	SubscribedTopics       []string           `json:"subscribed_topics"`
	TotalMessagesPublished int                `json:"total_messages_published"`
	PublishersCount        int                `json:"publishers_count"`
	SubscribersCount       int                `json:"subscribers_count"`
	Publishers             []PublisherRecord  `json:"publishers"`
	Subscribers            []SubscriberRecord `json:"subscribers"`
}

// ClientSummary is a compact listing entry.
type ClientSummary struct {
	ClientID         string `json:"client_id"`
	Role             string `json:"role"`
	PublishedTopics  int    `json:"published_topics"`
	SubscribedTopics int    `json:"subscribed_topics"`
	TotalMessages    int    `json:"total_messages"`
}

// TopicStatistics summarises activity on one topic.
type TopicStatistics struct {
	Topic               string             `json:"topic"`
	PublisherCount      int                `json:"publisher_count"`
	SubscriberCount     int                `json:"subscriber_count"`
	Publishers          []PublisherRecord  `json:"publishers"`
	Subscribers         []SubscriberRecord `json:"subscribers"`
	TotalMessages       int                `json:"total_messages"`
	MostActivePublisher *PublisherRecord   `json:"most_active_publisher"`
}

// SecurityIssue is a finding about an access pattern.
type SecurityIssue struct {
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	ClientID       string `json:"client_id"`
	Topic          string `json:"topic"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

// TopicActivity counts the records attached to one topic.
type TopicActivity struct {
	Topic         string `json:"topic"`
	Publishers    int    `json:"publishers"`
	Subscribers   int    `json:"subscribers"`
	TotalActivity int    `json:"total_activity"`
}

// Patterns holds the derived topic patterns.
type Patterns struct {
	MostPopularTopic *TopicActivity `json:"most_popular_topic"`
	OrphanedTopics   []string       `json:"orphaned_topics"`
}

// PatternAnalysis is the result of AnalyzePatterns.
type PatternAnalysis struct {
	TotalPublishers  int             `json:"total_publishers"`
	TotalSubscribers int             `json:"total_subscribers"`
	UniqueTopics     int             `json:"unique_topics"`
	SecurityIssues   []SecurityIssue `json:"security_issues"`
	Patterns         Patterns        `json:"patterns"`
}

// Publishers returns publisher records in encounter order. A non-empty
// pattern keeps records whose topic equals it or matches it as a filter.
func (r *Registry) Publishers(ctx context.Context, pattern string) ([]PublisherRecord, error) {
	all, err := r.allPublishers(ctx)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return all, nil
	}
	out := make([]PublisherRecord, 0, len(all))
	for _, rec := range all {
		if TopicMatches(rec.Topic, pattern) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Subscribers returns subscriber records in encounter order. A non-empty
// pattern keeps records whose filter equals it, matches it, or covers it.
func (r *Registry) Subscribers(ctx context.Context, pattern string) ([]SubscriberRecord, error) {
	all, err := r.allSubscribers(ctx)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return all, nil
	}
	out := make([]SubscriberRecord, 0, len(all))
	for _, rec := range all {
		if TopicMatches(rec.Topic, pattern) || TopicMatches(pattern, rec.Topic) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ClientDetails aggregates all records for clientID.
func (r *Registry) ClientDetails(ctx context.Context, clientID string) (ClientDetails, error) {
	pubs, err := r.allPublishers(ctx)
	if err != nil {
		return ClientDetails{}, err
	}
	subs, err := r.allSubscribers(ctx)
	if err != nil {
		return ClientDetails{}, err
	}

	details := ClientDetails{
		ClientID:         clientID,
		PublishedTopics:  []string{},
		SubscribedTopics: []string{},
		Publishers:       []PublisherRecord{},
		Subscribers:      []SubscriberRecord{},
	}
	for _, p := range pubs {
		if p.ClientID != clientID {
			continue
		}
		details.Publishers = append(details.Publishers, p)
		details.PublishedTopics = append(details.PublishedTopics, p.Topic)
		details.TotalMessagesPublished += p.MessageCount
	}
	for _, s := range subs {
		if s.ClientID != clientID {
			continue
		}
		details.Subscribers = append(details.Subscribers, s)
		details.SubscribedTopics = append(details.SubscribedTopics, s.Topic)
	}

	details.PublishersCount = len(details.Publishers)
	details.SubscribersCount = len(details.Subscribers)
	details.IsPublisher = details.PublishersCount > 0
	details.IsSubscriber = details.SubscribersCount > 0
	details.Role = DeriveRole(details.PublishersCount, details.SubscribersCount)
	return details, nil
}

// DeriveRole maps record counts to a client role.
func DeriveRole(publishers, subscribers int) string {
	switch {
	case publishers > 0 && subscribers > 0:
		return RolePublisherSubscriber
	case publishers > 0:
		return RolePublisherOnly
	case subscribers > 0:
		return RoleSubscriberOnly
	default:
		return RoleUnknown
	}
}

// Clients lists every known client, publishers first, in encounter order.
func (r *Registry) Clients(ctx context.Context) ([]ClientSummary, error) {
	pubs, err := r.allPublishers(ctx)
	if err != nil {
		return nil, err
	}
	subs, err := r.allSubscribers(ctx)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var out []ClientSummary
	summary := func(clientID string) *ClientSummary {
		if i, ok := index[clientID]; ok {
			return &out[i]
		}
		index[clientID] = len(out)
		out = append(out, ClientSummary{ClientID: clientID})
		return &out[len(out)-1]
	}

	for _, p := range pubs {
		s := summary(p.ClientID)
		s.PublishedTopics++
		s.TotalMessages += p.MessageCount
	}
	for _, sub := range subs {
		s := summary(sub.ClientID)
		s.SubscribedTopics++
	}
	for i := range out {
		out[i].Role = DeriveRole(out[i].PublishedTopics, out[i].SubscribedTopics)
	}
	if out == nil {
		out = []ClientSummary{}
	}
	return out, nil
}

// TopicStatistics reports activity on topic using the same matching rules as
// Publishers and Subscribers.
func (r *Registry) TopicStatistics(ctx context.Context, topic string) (TopicStatistics, error) {
	if topic == "" {
		return TopicStatistics{}, fmt.Errorf("topic cannot be empty")
	}
	pubs, err := r.Publishers(ctx, topic)
	if err != nil {
		return TopicStatistics{}, err
	}
	subs, err := r.Subscribers(ctx, topic)
	if err != nil {
		return TopicStatistics{}, err
	}

	stats := TopicStatistics{
		Topic:           topic,
		PublisherCount:  len(pubs),
		SubscriberCount: len(subs),
		Publishers:      pubs,
		Subscribers:     subs,
	}
	for i := range pubs {
		stats.TotalMessages += pubs[i].MessageCount
		// strictly greater keeps the first inserted on ties
		if stats.MostActivePublisher == nil || pubs[i].MessageCount > stats.MostActivePublisher.MessageCount {
			stats.MostActivePublisher = &pubs[i]
		}
	}
	return stats, nil
}

// AnalyzePatterns scans all records for risky access patterns.
func (r *Registry) AnalyzePatterns(ctx context.Context) (PatternAnalysis, error) {
	pubs, err := r.allPublishers(ctx)
	if err != nil {
		return PatternAnalysis{}, err
	}
	subs, err := r.allSubscribers(ctx)
	if err != nil {
		return PatternAnalysis{}, err
	}

	issues := []SecurityIssue{}
	for _, s := range subs {
		if HasWildcard(s.Topic) {
			issues = append(issues, SecurityIssue{
				Type:           IssueWildcardSubscriber,
				Severity:       SeverityMedium,
				ClientID:       s.ClientID,
				Topic:          s.Topic,
				Description:    "Client subscribes to all topics using # wildcard",
				Recommendation: "Restrict subscription to specific topics",
			})
		}
	}
	for _, p := range pubs {
		if strings.HasPrefix(p.Topic, SysTopicPrefix) {
			issues = append(issues, SecurityIssue{
				Type:           IssueSysTopicPublish,
				Severity:       SeverityHigh,
				ClientID:       p.ClientID,
				Topic:          p.Topic,
				Description:    "Client publishing to system topic",
				Recommendation: "Configure ACL to prevent unauthorized system topic access",
			})
		}
	}

	activity := aggregateActivity(pubs, subs)

	return PatternAnalysis{
		TotalPublishers:  len(pubs),
		TotalSubscribers: len(subs),
		UniqueTopics:     len(activity),
		SecurityIssues:   issues,
		Patterns: Patterns{
			MostPopularTopic: mostPopular(activity),
			OrphanedTopics:   orphanedTopics(pubs, subs),
		},
	}, nil
}

// aggregateActivity counts records per topic, ordered by first encounter
// with publishers visited before subscribers.
func aggregateActivity(pubs []PublisherRecord, subs []SubscriberRecord) []TopicActivity {
	index := make(map[string]int)
	var out []TopicActivity
	bump := func(topic string) *TopicActivity {
		i, ok := index[topic]
		if !ok {
			i = len(out)
			index[topic] = i
			out = append(out, TopicActivity{Topic: topic})
		}
		out[i].TotalActivity++
		return &out[i]
	}
	for _, p := range pubs {
		bump(p.Topic).Publishers++
	}
	for _, s := range subs {
		bump(s.Topic).Subscribers++
	}
	return out
}

func mostPopular(activity []TopicActivity) *TopicActivity {
	var best *TopicActivity
	for i := range activity {
		if best == nil || activity[i].TotalActivity > best.TotalActivity {
			best = &activity[i]
		}
	}
	if best == nil {
		return nil
	}
	top := *best
	return &top
}

// orphanedTopics lists published topics that no subscriber record names
// exactly, in first-seen order.
func orphanedTopics(pubs []PublisherRecord, subs []SubscriberRecord) []string {
	subscribed := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		subscribed[s.Topic] = struct{}{}
	}
	seen := make(map[string]struct{}, len(pubs))
	out := []string{}
	for _, p := range pubs {
		if _, ok := seen[p.Topic]; ok {
			continue
		}
		seen[p.Topic] = struct{}{}
		if _, ok := subscribed[p.Topic]; !ok {
			out = append(out, p.Topic)
		}
	}
	return out
}
