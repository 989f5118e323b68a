package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"

	"photoedit/internal/imageref"
	"photoedit/internal/llm"
)

type fakeCompleter struct {
	reqs []imageRequest
	resp *llm.Delta
	err  error
}

func (f *fakeCompleter) Complete(ctx context.Context, req any) (*llm.Delta, error) {
	b, _ := json.Marshal(req)
	var ir imageRequest
	json.Unmarshal(b, &ir)
	f.reqs = append(f.reqs, ir)
	return f.resp, f.err
}

func TestClientGenerate(t *testing.T) {
	fc := &fakeCompleter{resp: &llm.Delta{Images: []llm.ImageBlock{{Type: "image_url", ImageURL: &llm.ImageURL{URL: "data:image/png;base64,AAA"}}}}}
	c := NewClient(fc, "img-model", "sys", 0, nil)

	got, err := c.Generate(context.Background(), Request{Images: []string{"abc"}, Prompt: "warmer", AspectRatio: "4:5"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "data:image/png;base64,AAA" {
		t.Errorf("image = %q", got)
	}
	req := fc.reqs[0]
	if req.Model != "img-model" || req.ImageConfig == nil || req.ImageConfig.AspectRatio != "4:5" {
		t.Errorf("request = %+v", req)
	}
	user := req.Messages[len(req.Messages)-1]
	if len(user.Content.Parts) != 2 || user.Content.Parts[0].ImageURL.URL != "data:image/jpeg;base64,abc" {
		t.Errorf("user parts = %+v", user.Content.Parts)
	}
}

func TestClientGenerateNoImage(t *testing.T) {
	c := NewClient(&fakeCompleter{resp: &llm.Delta{Content: "sorry"}}, "m", "", 0, nil)
	_, err := c.Generate(context.Background(), Request{Images: []string{"abc"}, Prompt: "x"})
	if !errors.Is(err, ErrNoImage) {
		t.Fatalf("err = %v, want ErrNoImage", err)
	}
	if Retryable(err) {
		t.Error("ErrNoImage should not be retryable")
	}
}

type scripted struct {
	calls []Request
	errs  []error
}

func (s *scripted) Generate(ctx context.Context, req Request) (string, error) {
	s.calls = append(s.calls, req)
	err := s.errs[len(s.calls)-1]
	if err != nil {
		return "", err
	}
	return "img" + string(rune('0'+len(req.Images))), nil
}

func TestWithReferencesFallback(t *testing.T) {
	s := &scripted{errs: []error{errors.New("multi failed"), nil}}
	img, fallback, err := WithReferences(context.Background(), s, "cur", "orig", "fix face", "")
	if err != nil {
		t.Fatalf("WithReferences: %v", err)
	}
	if !fallback || img != "img1" {
		t.Errorf("img=%q fallback=%v, want img1 true", img, fallback)
	}
	if len(s.calls[0].Images) != 2 || s.calls[1].Images[0] != "cur" {
		t.Errorf("calls = %+v", s.calls)
	}
	if !strings.Contains(s.calls[0].Prompt, "fix face") || s.calls[1].Prompt != "fix face" {
		t.Errorf("prompts = %q / %q", s.calls[0].Prompt, s.calls[1].Prompt)
	}
}

func TestWithReferencesTwoImage(t *testing.T) {
	s := &scripted{errs: []error{nil}}
	img, fallback, err := WithReferences(context.Background(), s, "cur", "orig", "p", "1:1")
	if err != nil || fallback || img != "img2" {
		t.Fatalf("img=%q fallback=%v err=%v", img, fallback, err)
	}
}

func TestMockAspectRatio(t *testing.T) {
	var buf bytes.Buffer
	png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 200, 100)))
	out, err := Mock{}.Generate(context.Background(), Request{
		Images:      []string{imageref.Encode(buf.Bytes())},
		Prompt:      "Add butterflies",
		AspectRatio: "1:1",
	})
	if err != nil {
		t.Fatalf("Mock: %v", err)
	}
	img, err := imageref.Image(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 100 {
		t.Errorf("bounds = %v, want 100x100", b)
	}
}

func TestParseAspectRatio(t *testing.T) {
	if w, h, ok := ParseAspectRatio("16:9"); !ok || w != 16 || h != 9 {
		t.Errorf("16:9 = %d %d %v", w, h, ok)
	}
	for _, s := range []string{"", "16", "a:b", "0:1"} {
		if _, _, ok := ParseAspectRatio(s); ok {
			t.Errorf("ParseAspectRatio(%q) ok", s)
		}
	}
}
