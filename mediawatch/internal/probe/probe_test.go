package probe

import (
	"errors"
	"testing"
)

func TestInspect_StaticVideo(t *testing.T) {
	body := []byte(`<html><body><h1>Clip</h1><video src="clip.mp4"></video></body></html>`)
	res := Inspect(body)
	if !res.HasMedia {
		t.Fatal("video element not detected")
	}
	if !res.WorthTab() {
		t.Fatal("WorthTab = false for a page with media")
	}
}

func TestInspect_AudioAndNestedMedia(t *testing.T) {
	body := []byte(`<html><body><div><article><audio controls src="a.ogg"></audio></article></div></body></html>`)
	res := Inspect(body)
	if !res.HasMedia {
		t.Fatal("nested audio element not detected")
	}
}

func TestInspect_EmbeddedPlayerIframe(t *testing.T) {
	body := []byte(`<html><body><iframe src="https://www.youtube.com/embed/abc123"></iframe></body></html>`)
	res := Inspect(body)
	if !res.HasMedia {
		t.Fatal("youtube embed not detected")
	}
}

func TestInspect_PlainIframeIgnored(t *testing.T) {
	body := []byte(`<html><body><iframe src="https://example.com/ad"></iframe></body></html>`)
	res := Inspect(body)
	if res.HasMedia {
		t.Fatal("plain iframe counted as media")
	}
}

func TestInspect_StaticTextPageNotWorthTab(t *testing.T) {
	body := []byte(`<html><body><article><p>A long read with no players at all.</p></article></body></html>`)
	res := Inspect(body)
	if res.WorthTab() {
		t.Fatal("static text page should be skipped")
	}
}

func TestInspect_SPAShellIsScriptDriven(t *testing.T) {
	pad := make([]byte, 5000)
	for i := range pad {
		pad[i] = 'x'
	}
	body := []byte(`<html><body><div id="root"></div><script>` + string(pad) + `</script></body></html>`)
	res := Inspect(body)
	if !res.ScriptDriven {
		t.Fatal("script-heavy shell not classified as script-driven")
	}
	if !res.WorthTab() {
		t.Fatal("SPA shell should get a tab — a player may hydrate later")
	}
}

func TestValidateURL(t *testing.T) {
	if err := ValidateURL("https://example.com/watch"); err != nil {
		t.Errorf("https rejected: %v", err)
	}
	if err := ValidateURL("http://192.168.1.5:8096/media"); err != nil {
		t.Errorf("LAN navigation target rejected: %v", err)
	}
	if err := ValidateURL("file:///etc/passwd"); !errors.Is(err, ErrUnsafeScheme) {
		t.Errorf("file scheme: got %v, want ErrUnsafeScheme", err)
	}
	if err := ValidateURL("javascript:alert(1)"); !errors.Is(err, ErrUnsafeScheme) {
		t.Errorf("javascript scheme: got %v, want ErrUnsafeScheme", err)
	}
}

func TestValidateWebhookURL_RejectsPrivate(t *testing.T) {
	for _, raw := range []string{
		"http://127.0.0.1/hook",
		"http://10.0.0.8/hook",
		"http://192.168.0.1/hook",
		"http://169.254.169.254/latest/meta-data",
	} {
		if err := ValidateWebhookURL(raw); !errors.Is(err, ErrPrivateTarget) {
			t.Errorf("ValidateWebhookURL(%q): got %v, want ErrPrivateTarget", raw, err)
		}
	}
}
