package tips

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"photoedit/internal/llm"
	"photoedit/internal/models"
)

func TestScanIncremental(t *testing.T) {
	full := `[{"label":"A","editPrompt":"a {x}","category":"enhance"}, {"label":"B","editPrompt":"b","category":"wild"}, {"label":"C"`

	objs, n := Scan(full[:20], 0)
	if len(objs) != 0 || n != 0 {
		t.Fatalf("partial: %d objs, n=%d", len(objs), n)
	}

	objs, n = Scan(full, 0)
	if len(objs) != 2 || n != 2 {
		t.Fatalf("full: %d objs, n=%d", len(objs), n)
	}
	if !strings.Contains(string(objs[0]), `"a {x}"`) {
		t.Errorf("brace inside string split the object: %s", objs[0])
	}

	objs, n = Scan(full+`,"editPrompt":"c","category":"creative"}]`, n)
	if len(objs) != 1 || n != 3 {
		t.Fatalf("resume: %d objs, n=%d", len(objs), n)
	}
	if tip, ok := ParseTip(objs[0]); !ok || tip.Label != "C" {
		t.Errorf("ParseTip(%s) = %+v %v", objs[0], tip, ok)
	}
}

func TestScanCountsMalformedObjects(t *testing.T) {
	text := `{"label": oops} {"label":"ok","editPrompt":"p","category":"creative"}`
	objs, n := Scan(text, 0)
	if len(objs) != 2 || n != 2 {
		t.Fatalf("%d objs, n=%d", len(objs), n)
	}
	if _, ok := ParseTip(objs[0]); ok {
		t.Error("malformed object parsed")
	}
	if again, _ := Scan(text, n); len(again) != 0 {
		t.Errorf("rescan returned %d objects", len(again))
	}
}

func TestScanStepsOverStrayBrace(t *testing.T) {
	text := "Sure {here are the ideas:\n[" +
		`{"label":"Warm","editPrompt":"warm it up","category":"enhance"},` +
		`{"label":"Cool","editPrompt":"cool {it} down","category":"enhance"}` +
		`, {"label":"Late"`
	objs, n := Scan(text, 0)
	if len(objs) != 2 || n != 2 {
		t.Fatalf("%d objs, n=%d", len(objs), n)
	}
	for i, want := range []string{"Warm", "Cool"} {
		if tip, ok := ParseTip(objs[i]); !ok || tip.Label != want {
			t.Errorf("objs[%d] = %s", i, objs[i])
		}
	}

	// Closing the stray brace must not shift the count.
	text += `,"editPrompt":"late","category":"wild"}]}`
	objs, n = Scan(text, n)
	if len(objs) != 1 || n != 3 {
		t.Fatalf("after close: %d objs, n=%d", len(objs), n)
	}
	if tip, ok := ParseTip(objs[0]); !ok || tip.Label != "Late" {
		t.Errorf("resumed object = %s", objs[0])
	}
}

func TestScannerFeedWrappedTips(t *testing.T) {
	var sc Scanner
	var got []models.Tip
	for _, c := range []string{`{"tips":[{"label":"A","editPrompt":"a","category":"wild"}`, `,{"label":"B","editPrompt":"b","category":"wild"}`, `]}`} {
		got = append(got, sc.Feed(c)...)
	}
	if len(got) != 2 || got[0].Label != "A" || got[1].Label != "B" {
		t.Fatalf("tips = %+v", got)
	}
}

func TestParseTipRequiredFields(t *testing.T) {
	cases := map[string]bool{
		`{"label":"x","editPrompt":"y","category":"enhance"}`:                        true,
		`{"label":"x","editPrompt":"y","category":"captions"}`:                       false,
		`{"label":"","editPrompt":"y","category":"wild"}`:                            false,
		`{"label":"x","category":"wild"}`:                                            false,
		`{"label":"x","editPrompt":"y","category":"wild","previewStatus":"done"}`:    true,
		`{"label":"x","editPrompt":"y","category":"wild","aspectRatio":"4:5","a":1}`: true,
	}
	for raw, want := range cases {
		tip, ok := ParseTip([]byte(raw))
		if ok != want {
			t.Errorf("ParseTip(%s) ok=%v, want %v", raw, ok, want)
		}
		if ok && tip.Status != "" {
			t.Errorf("ParseTip(%s) kept preview status %q", raw, tip.Status)
		}
	}
}

func TestScannerFeed(t *testing.T) {
	var sc Scanner
	chunks := []string{`[{"emoji":"✨","label":"Glow",`, `"editPrompt":"add glow","category":"enhance"}`, `,{"label":"bad"}`, `]`}
	var got []models.Tip
	for _, c := range chunks {
		got = append(got, sc.Feed(c)...)
	}
	if len(got) != 1 || got[0].Label != "Glow" || got[0].Emoji != "✨" {
		t.Errorf("tips = %+v", got)
	}
}

type fakeStreamer struct {
	mu       sync.Mutex
	failures map[models.Category]int // failing attempts before success
	calls    map[models.Category]int
	tips     map[models.Category][]models.Tip
}

func (f *fakeStreamer) StreamTips(ctx context.Context, req Request, yield func(models.Tip)) error {
	f.mu.Lock()
	f.calls[req.Category]++
	attempt := f.calls[req.Category]
	fail := attempt <= f.failures[req.Category]
	tips := f.tips[req.Category]
	f.mu.Unlock()

	// Every attempt yields its first tip before failing.
	for i, tip := range tips {
		if fail && i > 0 {
			return errors.New("stream broke")
		}
		yield(tip)
	}
	if fail {
		return errors.New("stream broke")
	}
	return nil
}

func tip(cat models.Category, label string) models.Tip {
	return models.Tip{Label: label, EditPrompt: "prompt " + label, Category: cat}
}

func newFake() *fakeStreamer {
	return &fakeStreamer{
		failures: map[models.Category]int{},
		calls:    map[models.Category]int{},
		tips: map[models.Category][]models.Tip{
			models.CategoryEnhance:  {tip(models.CategoryEnhance, "e1"), tip(models.CategoryEnhance, "e2")},
			models.CategoryCreative: {tip(models.CategoryCreative, "c1"), tip(models.CategoryCreative, "c2")},
			models.CategoryWild:     {tip(models.CategoryWild, "w1"), tip(models.CategoryWild, "w2")},
		},
	}
}

func TestPipelineAllCategories(t *testing.T) {
	src := newFake()
	p := NewPipeline(src, 2, time.Millisecond, nil)

	var got []models.Tip
	var inYield bool
	err := p.Run(context.Background(), "img", nil, models.Categories(), func(tp models.Tip) {
		if inYield {
			t.Error("yield called concurrently")
		}
		inYield = true
		got = append(got, tp)
		inYield = false
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("got %d tips, want 6", len(got))
	}
	byCat := map[models.Category][]string{}
	for _, tp := range got {
		byCat[tp.Category] = append(byCat[tp.Category], tp.Label)
	}
	if strings.Join(byCat[models.CategoryEnhance], ",") != "e1,e2" {
		t.Errorf("enhance order = %v", byCat[models.CategoryEnhance])
	}
}

func TestPipelineRetryDoesNotDuplicate(t *testing.T) {
	src := newFake()
	src.failures[models.CategoryCreative] = 2
	p := NewPipeline(src, 2, time.Millisecond, nil)

	var labels []string
	err := p.Run(context.Background(), "img", nil, models.Categories(), func(tp models.Tip) {
		labels = append(labels, tp.Label)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if src.calls[models.CategoryCreative] != 3 {
		t.Errorf("creative attempts = %d, want 3", src.calls[models.CategoryCreative])
	}
	count := 0
	for _, l := range labels {
		if l == "c1" {
			count++
		}
	}
	if count != 1 || len(labels) != 6 {
		t.Errorf("labels = %v", labels)
	}
}

func TestPipelineAbandonedCategoryIsIsolated(t *testing.T) {
	src := newFake()
	src.failures[models.CategoryWild] = 10
	p := NewPipeline(src, 2, time.Millisecond, nil)

	var labels []string
	err := p.Run(context.Background(), "img", nil, models.Categories(), func(tp models.Tip) {
		labels = append(labels, tp.Label)
	})
	if err == nil || !strings.Contains(err.Error(), "wild") {
		t.Fatalf("err = %v, want wild abandoned", err)
	}
	if src.calls[models.CategoryWild] != 3 {
		t.Errorf("wild attempts = %d, want 3", src.calls[models.CategoryWild])
	}
	// e1 e2 c1 c2 plus the single wild tip yielded before the failures.
	if len(labels) != 5 {
		t.Errorf("labels = %v", labels)
	}
}

func TestSelector(t *testing.T) {
	sel := NewSelector(PreviewSelective)
	in := []models.Tip{
		tip(models.CategoryCreative, "c1"),
		tip(models.CategoryEnhance, "e1"),
		tip(models.CategoryEnhance, "e2"),
		tip(models.CategoryWild, "w1"),
		tip(models.CategoryWild, "w2"),
	}
	var picked []string
	for _, tp := range in {
		if sel.Select(tp) {
			picked = append(picked, tp.Label)
		}
	}
	if strings.Join(picked, ",") != "e1,w1" {
		t.Errorf("selective picked %v", picked)
	}
	if NewSelector(PreviewNone).Select(in[0]) || !NewSelector(PreviewFull).Select(in[0]) {
		t.Error("none/full selection wrong")
	}
}

type fakeText struct {
	chunks []string
	req    llm.ChatRequest
}

func (f *fakeText) StreamText(ctx context.Context, req llm.ChatRequest, onText func(string)) error {
	f.req = req
	for _, c := range f.chunks {
		onText(c)
	}
	return nil
}

func TestLLMSource(t *testing.T) {
	api := &fakeText{chunks: []string{
		"```json\n[{\"emoji\":\"🌅\",\"label\":\"Warm up\",\"desc\":\"golden light\",",
		"\"editPrompt\":\"Add warm golden hour light\",\"category\":\"enhance\"},",
		"{\"label\":\"Half\"",
	}}
	src := NewLLMSource(api, "tips-model", nil)
	var got []models.Tip
	err := src.StreamTips(context.Background(), Request{
		Image:    "abc",
		Category: models.CategoryEnhance,
		Metadata: &models.PhotoMetadata{Location: "Kyoto"},
	}, func(tp models.Tip) { got = append(got, tp) })
	if err != nil {
		t.Fatalf("StreamTips: %v", err)
	}
	if len(got) != 1 || got[0].EditPrompt != "Add warm golden hour light" {
		t.Errorf("tips = %+v", got)
	}
	if api.req.Model != "tips-model" {
		t.Errorf("model = %q", api.req.Model)
	}
	user := api.req.Messages[1].Content
	if len(user.Parts) != 2 || !strings.Contains(user.Parts[1].Text, "Kyoto") {
		t.Errorf("user content = %+v", user)
	}

	if err := src.StreamTips(context.Background(), Request{Image: "abc", Category: "captions"}, func(models.Tip) {}); err == nil {
		t.Error("unknown category accepted")
	}
}

func TestMockThroughPipeline(t *testing.T) {
	p := NewPipeline(Mock{Delay: time.Millisecond}, 0, time.Millisecond, nil)
	var (
		mu  sync.Mutex
		got = map[models.Category]int{}
	)
	err := p.Run(context.Background(), "img", nil, models.Categories(), func(tip models.Tip) {
		mu.Lock()
		got[tip.Category]++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range models.Categories() {
		if got[c] != 2 {
			t.Errorf("%s: %d tips", c, got[c])
		}
	}

	if err := (Mock{}).StreamTips(context.Background(), Request{Category: "captions"}, func(models.Tip) {}); err == nil {
		t.Fatal("unknown category accepted")
	}
}
