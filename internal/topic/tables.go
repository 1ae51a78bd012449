package topic

// QueryTopics is the table applied to the trainee's live message. Labels are
// Japanese because they are appended verbatim to the retrieval query.
var QueryTopics = []Topic{
	{Label: "予算", Keywords: []string{"予算", "費用", "価格", "金額", "コスト", "料金", "値段", "円", "万円"}},
	{Label: "期間", Keywords: []string{"期間", "いつ", "スケジュール", "納期", "時間", "タイミング", "今すぐ", "すぐに"}},
	{Label: "事例", Keywords: []string{"事例", "実績", "他社", "例", "ケース", "成功例", "導入企業"}},
	{Label: "機能", Keywords: []string{"機能", "サービス", "プラン", "できる", "内容", "仕組み", "システム"}},
	{Label: "課題", Keywords: []string{"課題", "悩み", "困って", "問題", "不安", "心配", "懸念"}},
	{Label: "SNS", Keywords: []string{"SNS", "インスタ", "Instagram", "TikTok", "Twitter", "Facebook", "リール", "ショート動画"}},
	{Label: "動画", Keywords: []string{"動画", "ビデオ", "映像", "コンテンツ", "制作", "本数", "投稿"}},
	{Label: "効果", Keywords: []string{"効果", "成果", "結果", "実績", "数字", "反応", "フォロワー", "再生数"}},
}

// IngestTopics is the table used to tag customer lines at ingestion time.
// Untagged lines get the "general" label.
var IngestTopics = []Topic{
	{Label: "budget", Keywords: []string{"予算", "費用", "価格", "金額", "コスト"}},
	{Label: "timeline", Keywords: []string{"期間", "いつ", "スケジュール", "納期", "時間"}},
	{Label: "examples", Keywords: []string{"事例", "実績", "他社", "例", "ケース"}},
	{Label: "features", Keywords: []string{"機能", "サービス", "プラン", "できる", "できます"}},
	{Label: "concerns", Keywords: []string{"不安", "心配", "懸念", "悩み", "困って"}},
	{Label: "social_media", Keywords: []string{"SNS", "インスタ", "TikTok", "Twitter", "Facebook"}},
	{Label: "video", Keywords: []string{"動画", "ビデオ", "映像", "コンテンツ"}},
	{Label: "results", Keywords: []string{"効果", "成果", "実績", "数字", "反応"}},
}

// NewQueryClassifier returns the classifier for live messages.
func NewQueryClassifier() *KeywordClassifier {
	return NewKeywordClassifier(QueryTopics)
}

// NewIngestClassifier returns the classifier for ingested customer lines.
func NewIngestClassifier() *KeywordClassifier {
	return NewKeywordClassifier(IngestTopics, WithFallback("general"))
}
