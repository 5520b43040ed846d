package mutate

import (
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/dom"
	"github.com/hazyhaar/abdom/domvariant/changes"
	"github.com/hazyhaar/abdom/domvariant/event"
	"github.com/hazyhaar/abdom/domvariant/internal/ledger"
)

const page = `<!DOCTYPE html><html><head><title>t</title></head><body>
<div id="hero" class="hero big" style="color: blue">Hello <b>world</b></div>
<ul id="list"><li class="item">one</li><li class="item">two</li></ul>
<div id="box"><span class="anchor">a</span></div>
<a class="link" href="/x" title="t" rel="nofollow">link</a>
</body></html>`

type fixture struct {
	doc    *dom.Document
	ledger *ledger.Ledger
	engine *Engine
	events []event.Event
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	doc, err := dom.ParseString(page, dom.NewLoop(nil))
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{doc: doc, ledger: ledger.New(doc)}
	opts = append(opts, WithEmitter(func(ev event.Event) { f.events = append(f.events, ev) }))
	f.engine = New(doc, f.ledger, opts...)
	return f
}

func (f *fixture) render(t *testing.T) string {
	t.Helper()
	out, err := f.doc.Render()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func (f *fixture) query(t *testing.T, sel string) *html.Node {
	t.Helper()
	n, err := f.doc.Query(sel)
	if err != nil || n == nil {
		t.Fatalf("query %q: %v", sel, err)
	}
	return n
}

func props(kv ...string) []changes.Property {
	var out []changes.Property
	for i := 0; i+1 < len(kv); i += 2 {
		p := changes.Property{Name: kv[i]}
		if kv[i+1] != "<nil>" {
			p.Value = changes.StrPtr(kv[i+1])
		}
		out = append(out, p)
	}
	return out
}

func TestApplyRevert_RestoresOriginal(t *testing.T) {
	cases := []struct {
		name    string
		changes []changes.Change
	}{
		{"text", []changes.Change{{Selector: ".hero", Kind: changes.KindText, Value: "New"}}},
		{"html", []changes.Change{{Selector: ".hero", Kind: changes.KindHTML, Value: "<i>x</i><em>y</em>"}}},
		{"style", []changes.Change{
			{Selector: ".hero", Kind: changes.KindStyle, Style: props("backgroundColor", "red", "color", "<nil>")},
			{Selector: "#hero", Kind: changes.KindStyle, Style: props("fontSize", "20px !important")},
		}},
		{"style composes", []changes.Change{
			{Selector: ".hero", Kind: changes.KindStyle, Style: props("backgroundColor", "red")},
			{Selector: ".hero", Kind: changes.KindStyle, Style: props("color", "green")},
		}},
		{"class", []changes.Change{{Selector: ".hero", Kind: changes.KindClass, Add: []string{"promo"}, Remove: []string{"big"}}}},
		{"attribute", []changes.Change{{Selector: ".link", Kind: changes.KindAttribute, Attributes: props("href", "/y", "title", "<nil>", "data-x", "1")}}},
		{"class then attribute", []changes.Change{
			{Selector: ".hero", Kind: changes.KindClass, Add: []string{"promo"}},
			{Selector: ".hero", Kind: changes.KindAttribute, Attributes: props("class", "zzz", "id", "other")},
		}},
		{"move lastChild", []changes.Change{{Selector: ".item", Kind: changes.KindMove, TargetSelector: "#box"}}},
		{"move firstChild", []changes.Change{{Selector: ".item", Kind: changes.KindMove, TargetSelector: "#box", Position: changes.PositionFirstChild}}},
		{"move before", []changes.Change{{Selector: ".item", Kind: changes.KindMove, TargetSelector: ".anchor", Position: changes.PositionBefore}}},
		{"move after", []changes.Change{{Selector: ".item", Kind: changes.KindMove, TargetSelector: ".anchor", Position: changes.PositionAfter}}},
		{"create", []changes.Change{{Selector: "promo", Kind: changes.KindCreate, TargetSelector: "#box", Position: changes.PositionFirstChild, Element: `<p class="promo">Hi</p>`}}},
		{"styleRules", []changes.Change{{Selector: ".btn", Kind: changes.KindStyleRules, Rules: &changes.StyleRules{
			States: map[changes.State][]changes.Property{changes.StateNormal: props("color", "red")}, Important: true,
		}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			before := f.render(t)
			for _, ch := range tc.changes {
				ch.Enabled = true
				if _, err := f.engine.Apply(ch, "exp"); err != nil {
					t.Fatalf("apply %s: %v", ch.Kind, err)
				}
			}
			if f.render(t) == before {
				t.Fatal("apply did not change the document")
			}
			if n := f.engine.Revert("exp"); n != len(tc.changes) {
				t.Errorf("Revert: got %d records, want %d", n, len(tc.changes))
			}
			if after := f.render(t); after != before {
				t.Errorf("document not restored\nbefore: %s\nafter:  %s", before, after)
			}
			if f.ledger.HasChanges("exp") {
				t.Errorf("ledger still has changes")
			}
			if len(f.engine.snapshots) != 0 {
				t.Errorf("snapshots left: %d", len(f.engine.snapshots))
			}
		})
	}
}

func TestApply_MoveKeepsOrder(t *testing.T) {
	f := setup(t)
	ch := changes.Change{Selector: ".item", Kind: changes.KindMove, TargetSelector: "#box", Position: changes.PositionFirstChild, Enabled: true}
	els, err := f.engine.Apply(ch, "exp")
	if err != nil || len(els) != 2 {
		t.Fatalf("apply: %v (%d elements)", err, len(els))
	}
	box := f.query(t, "#box")
	if got := dom.Text(box); got != "onetwoa" {
		t.Errorf("box text: got %q, want %q", got, "onetwoa")
	}
}

func TestApply_SnapshotCapturedOnce(t *testing.T) {
	f := setup(t)
	hero := f.query(t, ".hero")
	for _, v := range []string{"first", "second"} {
		if _, err := f.engine.Apply(changes.Change{Selector: ".hero", Kind: changes.KindText, Value: v, Enabled: true}, "exp"); err != nil {
			t.Fatal(err)
		}
	}
	if got := dom.Text(hero); got != "second" {
		t.Errorf("text: got %q", got)
	}
	f.engine.Revert("exp")
	if got := dom.Text(hero); got != "Hello world" {
		t.Errorf("restored text: got %q, want original", got)
	}
}

func TestRevert_SharedElementKeepsOtherExperiment(t *testing.T) {
	text := func(v string) changes.Change {
		return changes.Change{Selector: ".hero", Kind: changes.KindText, Value: v, Enabled: true}
	}
	for _, order := range [][]string{{"expA", "expB"}, {"expB", "expA"}} {
		t.Run(order[0]+" first", func(t *testing.T) {
			f := setup(t)
			hero := f.query(t, ".hero")
			before := f.render(t)
			for _, exp := range order {
				if _, err := f.engine.Apply(text(exp), exp); err != nil {
					t.Fatal(err)
				}
			}

			f.engine.Revert("expA")
			if !f.ledger.HasChanges("expB") {
				t.Fatal("expB dropped from ledger")
			}
			if got := dom.Text(hero); got != "expB" {
				t.Errorf("after reverting expA: text %q, want expB's change", got)
			}
			if len(f.engine.snapshots) != 1 {
				t.Errorf("snapshot released while expB applied")
			}

			f.engine.Revert("expB")
			if after := f.render(t); after != before {
				t.Errorf("document not restored\nbefore: %s\nafter:  %s", before, after)
			}
			if len(f.engine.snapshots) != 0 {
				t.Errorf("snapshots left: %d", len(f.engine.snapshots))
			}
		})
	}
}

func TestRevert_SharedStyleRulesKeepOtherExperiment(t *testing.T) {
	f := setup(t)
	rules := func(color string) changes.Change {
		return changes.Change{Selector: ".btn", Kind: changes.KindStyleRules, Enabled: true, Rules: &changes.StyleRules{
			States: map[changes.State][]changes.Property{changes.StateNormal: props("color", color)}, Important: true,
		}}
	}
	f.engine.Apply(rules("red"), "expA")
	f.engine.Apply(rules("green"), "expB")
	f.engine.Revert("expB")
	out := f.render(t)
	if !strings.Contains(out, "color: red") || strings.Contains(out, "color: green") {
		t.Errorf("stylesheet after reverting expB: %s", out)
	}
}

func TestApply_StyleRulesSheet(t *testing.T) {
	f := setup(t)
	ch := changes.Change{Selector: ".btn, .cta", Kind: changes.KindStyleRules, Enabled: true, Rules: &changes.StyleRules{
		States: map[changes.State][]changes.Property{
			changes.StateNormal: props("backgroundColor", "red"),
			changes.StateHover:  props("color", "blue"),
		},
		Important: true,
	}}
	if _, err := f.engine.Apply(ch, "exp"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Apply(ch, "exp"); err != nil {
		t.Fatal(err)
	}
	sheets, _ := f.doc.QueryAll("#" + StylesheetID)
	if len(sheets) != 1 {
		t.Fatalf("stylesheets: got %d, want 1", len(sheets))
	}
	want := ".btn, .cta {\n  background-color: red !important;\n}\n.btn:hover, .cta:hover {\n  color: blue !important;\n}\n"
	if got := dom.Text(sheets[0]); got != want {
		t.Errorf("sheet:\n%s\nwant:\n%s", got, want)
	}
	if sheets[0].Parent != f.doc.Head() {
		t.Errorf("sheet should live in head")
	}
}

func TestApply_ClassAndAttributeDoNotConflict(t *testing.T) {
	f := setup(t)
	hero := f.query(t, ".hero")
	if _, err := f.engine.Apply(changes.Change{Selector: ".hero", Kind: changes.KindClass, Add: []string{"promo"}, Enabled: true}, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Apply(changes.Change{Selector: ".hero", Kind: changes.KindAttribute, Attributes: props("class", "zzz", "title", "T"), Enabled: true}, "b"); err != nil {
		t.Fatal(err)
	}
	f.engine.Revert("b")
	if dom.HasAttr(hero, "title") {
		t.Errorf("title should be removed on revert")
	}
	if got := dom.AttrValue(hero, "class"); got != "zzz" {
		t.Errorf("class is managed by the class change, attribute revert must leave it: got %q", got)
	}
	f.engine.Revert("a")
	if got := dom.AttrValue(hero, "class"); got != "hero big" {
		t.Errorf("class: got %q, want original", got)
	}
}

func TestApply_Errors(t *testing.T) {
	f := setup(t)

	if _, err := f.engine.Apply(changes.Change{Selector: "[[", Kind: changes.KindText, Enabled: true}, "exp"); !errors.Is(err, ErrInvalidSelector) {
		t.Errorf("invalid selector: got %v", err)
	}
	if _, err := f.engine.Apply(changes.Change{Selector: ".nope", Kind: changes.KindText, Enabled: true}, "exp"); !errors.Is(err, ErrNoMatch) {
		t.Errorf("no match: got %v", err)
	}
	if _, err := f.engine.Apply(changes.Change{Selector: ".item", Kind: changes.KindMove, TargetSelector: "#missing", Enabled: true}, "exp"); !errors.Is(err, ErrNoMatch) {
		t.Errorf("missing move target: got %v", err)
	}
	els, err := f.engine.Apply(changes.Change{Selector: ".hero", Kind: changes.KindText, Value: "x"}, "exp")
	if err != nil || els != nil {
		t.Errorf("disabled change: got %v, %v", els, err)
	}
	if f.ledger.HasChanges("exp") {
		t.Errorf("nothing should be recorded")
	}

	var failed int
	for _, ev := range f.events {
		if ev.Type == event.TypeFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed events: got %d, want 1 (invalid selector only)", failed)
	}
}

func TestApply_DeleteNotRevertible(t *testing.T) {
	f := setup(t)
	if _, err := f.engine.Apply(changes.Change{Selector: ".link", Kind: changes.KindDelete, Enabled: true}, "exp"); err != nil {
		t.Fatal(err)
	}
	f.engine.Revert("exp")
	if n, _ := f.doc.Query(".link"); n != nil {
		t.Errorf("deleted element came back")
	}
}

func TestApply_CreateRegistersElement(t *testing.T) {
	f := setup(t, WithIDGenerator(func() string { return "fixed-id" }))
	els, err := f.engine.Apply(changes.Change{Selector: "banner", Kind: changes.KindCreate, TargetSelector: ".anchor", Position: changes.PositionAfter, Element: "<p class=promo>Hi</p>", Enabled: true}, "exp")
	if err != nil || len(els) != 1 {
		t.Fatalf("create: %v", err)
	}
	if n, ok := f.ledger.CreatedElement("fixed-id"); !ok || n != els[0] {
		t.Fatalf("created element not registered")
	}
	if els[0].PrevSibling != f.query(t, ".anchor") {
		t.Errorf("created element should follow the anchor")
	}
	f.engine.Revert("exp")
	if _, ok := f.ledger.CreatedElement("fixed-id"); ok || els[0].Parent != nil {
		t.Errorf("created element should be removed")
	}
}

func TestApply_Sanitize(t *testing.T) {
	f := setup(t, WithSanitizer(NewSanitizer()))
	_, err := f.engine.Apply(changes.Change{Selector: ".hero", Kind: changes.KindHTML, Value: `<img src="/a.png" onerror="alert(1)"><b class="x">ok</b><script>bad()</script>`, Enabled: true}, "exp")
	if err != nil {
		t.Fatal(err)
	}
	out := dom.InnerHTML(f.query(t, ".hero"))
	if strings.Contains(out, "onerror") || strings.Contains(out, "script") {
		t.Errorf("markup not sanitised: %s", out)
	}
	if !strings.Contains(out, `<b class="x">ok</b>`) {
		t.Errorf("safe markup lost: %s", out)
	}
}

func TestApply_JavaScript(t *testing.T) {
	f := setup(t)
	hero := f.query(t, ".hero")
	code := `element.textContent = element.getAttribute("id") + "!"; element.classList.add("js"); element.style.setProperty("margin-top", "4px");`
	if _, err := f.engine.Apply(changes.Change{Selector: ".hero", Kind: changes.KindJavaScript, Value: code, Enabled: true}, "exp"); err != nil {
		t.Fatal(err)
	}
	if dom.Text(hero) != "hero!" || !dom.HasClass(hero, "js") {
		t.Errorf("script effects missing: %s", dom.OuterHTML(hero))
	}
	if v, _ := dom.StyleProperty(hero, "marginTop"); v != "4px" {
		t.Errorf("style: got %q", v)
	}

	_, err := f.engine.Apply(changes.Change{Selector: ".hero", Kind: changes.KindJavaScript, Value: `throw new Error("boom")`, Enabled: true}, "exp2")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("script exception: got %v", err)
	}
	if f.ledger.HasChanges("exp2") {
		t.Errorf("failed script must not be recorded")
	}
}

func TestGojaRunner_Timeout(t *testing.T) {
	f := setup(t, WithScriptRunner(NewGojaRunner(50*time.Millisecond, nil)))
	start := time.Now()
	_, err := f.engine.Apply(changes.Change{Selector: ".hero", Kind: changes.KindJavaScript, Value: `for (;;) {}`, Enabled: true}, "exp")
	if !errors.Is(err, ErrScriptTimeout) {
		t.Fatalf("got %v, want ErrScriptTimeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("interrupt took too long")
	}
}

func TestPending_AppliedWhenElementAppears(t *testing.T) {
	f := setup(t)
	ch := changes.Change{Selector: ".late", Kind: changes.KindText, Value: "arrived", WaitForElement: true, Enabled: true}
	if _, err := f.engine.Apply(ch, "exp"); !errors.Is(err, ErrPending) {
		t.Fatalf("got %v, want ErrPending", err)
	}
	if len(f.ledger.PendingFor("exp")) != 1 || f.engine.Watching() != 1 {
		t.Fatalf("pending not recorded")
	}

	nodes, err := f.doc.ParseFragment(`<p class="late">placeholder</p>`, f.doc.Body())
	if err != nil {
		t.Fatal(err)
	}
	f.doc.AppendChild(f.doc.Body(), nodes[0])
	f.doc.Loop().Drain()

	if got := dom.Text(nodes[0]); got != "arrived" {
		t.Errorf("text: got %q", got)
	}
	if len(f.ledger.PendingFor("exp")) != 0 || !f.ledger.HasChanges("exp") {
		t.Errorf("ledger: pending=%d applied=%v", len(f.ledger.PendingFor("exp")), f.ledger.HasChanges("exp"))
	}
	if f.engine.Watching() != 0 {
		t.Errorf("watcher should stop once nothing is pending")
	}
}

func TestPending_RetriesCountRelevantBatches(t *testing.T) {
	f := setup(t)
	ch := changes.Change{Selector: ".late", Kind: changes.KindText, Value: "arrived", WaitForElement: true, Enabled: true}
	if _, err := f.engine.Apply(ch, "exp"); !errors.Is(err, ErrPending) {
		t.Fatalf("got %v, want ErrPending", err)
	}
	retries := func() int {
		t.Helper()
		p := f.ledger.PendingFor("exp")
		if len(p) != 1 {
			t.Fatalf("pending = %d, want 1", len(p))
		}
		return p[0].Retries
	}

	f.doc.SetText(f.query(t, ".anchor"), "b")
	f.doc.Remove(f.query(t, ".link"))
	f.doc.Loop().Drain()
	if n := retries(); n != 0 {
		t.Errorf("text edit and removal counted as retries: %d", n)
	}

	f.doc.SetAttr(f.query(t, "#box"), "data-state", "open")
	f.doc.Loop().Drain()
	if n := retries(); n != 1 {
		t.Errorf("attribute change: retries = %d, want 1", n)
	}

	nodes, err := f.doc.ParseFragment(`<p class="other">x</p>`, f.doc.Body())
	if err != nil {
		t.Fatal(err)
	}
	f.doc.AppendChild(f.doc.Body(), nodes[0])
	f.doc.Loop().Drain()
	if n := retries(); n != 2 {
		t.Errorf("element insert: retries = %d, want 2", n)
	}
}

func TestPending_ObserverRoot(t *testing.T) {
	f := setup(t)
	ch := changes.Change{Selector: ".late", Kind: changes.KindClass, Add: []string{"on"}, WaitForElement: true, ObserverRoot: "#box", Enabled: true}
	if _, err := f.engine.Apply(ch, "exp"); !errors.Is(err, ErrPending) {
		t.Fatalf("got %v", err)
	}

	outside, _ := f.doc.ParseFragment(`<p class="late">out</p>`, f.doc.Body())
	f.doc.AppendChild(f.query(t, "#list"), outside[0])
	f.doc.Loop().Drain()
	if dom.HasClass(outside[0], "on") {
		t.Fatalf("mutations outside the observer root must not trigger")
	}

	inside, _ := f.doc.ParseFragment(`<p class="late">in</p>`, f.doc.Body())
	f.doc.AppendChild(f.query(t, "#box"), inside[0])
	f.doc.Loop().Drain()
	if !dom.HasClass(outside[0], "on") || !dom.HasClass(inside[0], "on") {
		t.Errorf("change should apply to every match once triggered")
	}
}

func TestPending_RevertStopsWatching(t *testing.T) {
	f := setup(t)
	ch := changes.Change{Selector: ".late", Kind: changes.KindText, Value: "x", WaitForElement: true, Enabled: true}
	_, _ = f.engine.Apply(ch, "exp")
	f.engine.Revert("exp")
	if f.engine.Watching() != 0 || len(f.ledger.PendingFor("exp")) != 0 {
		t.Fatalf("revert should drop pending changes")
	}
	nodes, _ := f.doc.ParseFragment(`<p class="late">keep</p>`, f.doc.Body())
	f.doc.AppendChild(f.doc.Body(), nodes[0])
	f.doc.Loop().Drain()
	if dom.Text(nodes[0]) != "keep" {
		t.Errorf("reverted pending change was applied")
	}
}

func TestPersistStyle_Reapplies(t *testing.T) {
	f := setup(t)
	hero := f.query(t, ".hero")
	ch := changes.Change{Selector: ".hero", Kind: changes.KindStyle, Style: props("backgroundColor", "red"), PersistStyle: true, Enabled: true}
	if _, err := f.engine.Apply(ch, "exp"); err != nil {
		t.Fatal(err)
	}

	f.doc.SetAttr(hero, "style", "color: green")
	f.doc.Loop().Drain()
	if v, _ := dom.StyleProperty(hero, "background-color"); v != "red" {
		t.Errorf("persisted style not reapplied: %q", dom.AttrValue(hero, "style"))
	}
	if v, _ := dom.StyleProperty(hero, "color"); v != "green" {
		t.Errorf("foreign style should be kept: %q", dom.AttrValue(hero, "style"))
	}

	f.engine.Revert("exp")
	f.doc.SetAttr(hero, "style", "color: black")
	f.doc.Loop().Drain()
	if _, ok := dom.StyleProperty(hero, "background-color"); ok {
		t.Errorf("reverted change must not be reapplied")
	}
}
