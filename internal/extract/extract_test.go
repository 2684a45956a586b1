package extract_test

import (
    "errors"
    "reflect"
    "testing"
    "time"

    "go-damadam-sync/internal/extract"
    "go-damadam-sync/internal/fetch"
    "go-damadam-sync/internal/model"
    "go-damadam-sync/internal/pkt"
    "go-damadam-sync/internal/rules"
)

func newParser(t *testing.T, markers []string) *extract.Parser {
    t.Helper()
    preset, ok := rules.Builtin().GetPreset("")
    if !ok { t.Fatalf("builtin preset missing") }
    return extract.NewParser("https://damadam.pk", preset, markers)
}

const profileHTML = `<html><body>
<h1>ali_raza</h1>
<img src="/media/avatar/ali.jpg">
<div><b>Intro</b> <span>Hello from Lahore!</span></div>
<div><b>City:</b> <span> Lahore </span></div>
<div><b>Gender:</b> <span>Female</span></div>
<div><b>Married:</b> <span>Single</span></div>
<div><b>Age:</b> <span>25</span></div>
<div><b>Joined:</b> <span>2 hours ago</span></div>
<div><b>Followers:</b> <span>1,234</span></div>
<div><b>Posts:</b> <span>56</span></div>
<form action="/follow/remove/" method="post">
  <input type="hidden" name="tid" value="3405367">
  <button>Unfollow</button>
</form>
<img src="/static/img/stars/gold-star.png">
<div class="mbl mtl"><a href="/mehfil/public/poetry-club/">
  <div class="ow">Poetry Club</div>
  <div style="background:#f8f7f9">Public</div>
  <div style="background:#f8f7f9">Urdu</div>
  <div class="cs sp">member since 2 years ago</div>
</a></div>
</body></html>`

func TestProfile_FullPage(t *testing.T) {
    p := newParser(t, nil)
    page := &fetch.Page{StatusCode: 200, FinalURL: "https://damadam.pk/users/ali_raza/", Body: profileHTML}
    rec, err := p.Profile(page, "ali_raza")
    if err != nil { t.Fatalf("profile: %v", err) }

    want := map[string]string{
        model.ColNickname:   "ali_raza",
        model.ColStatus:     model.StatusNormal,
        model.ColCity:       "Lahore",
        model.ColGender:     "Female",
        model.ColMarried:    "No",
        model.ColAge:        "25",
        model.ColFollowers:  "1234",
        model.ColPosts:      "56",
        model.ColIntro:      "Hello from Lahore!",
        model.ColID:         "3405367",
        model.ColFriend:     "Yes",
        model.ColImage:      "https://damadam.pk/media/avatar/ali.jpg",
        model.ColRankURL:    "https://damadam.pk/static/img/stars/gold-star.png",
        model.ColProfileURL: "https://damadam.pk/users/ali_raza",
        model.ColPostsURL:   "https://damadam.pk/profile/public/ali_raza",
        model.ColMehNames:   "Poetry Club",
        model.ColMehTypes:   "Public, Urdu",
        model.ColMehLinks:   "https://damadam.pk/mehfil/public/poetry-club/",
    }
    for col, w := range want {
        if rec[col] != w {
            t.Fatalf("%s = %q, want %q", col, rec[col], w)
        }
    }
    if rec[model.ColScrapedAt] == "" { t.Fatalf("scraped_at missing") }

    joined, err := pkt.ParseStamp(rec[model.ColJoined])
    if err != nil { t.Fatalf("joined stamp %q: %v", rec[model.ColJoined], err) }
    if d := pkt.Now().Add(-2 * time.Hour).Sub(joined); d < -5*time.Minute || d > 5*time.Minute {
        t.Fatalf("joined = %v, want about two hours ago", joined)
    }
    if rec[model.ColMehDates] == "" { t.Fatalf("mehfil date missing") }
    if _, err := pkt.ParseStamp(rec[model.ColMehDates]); err != nil {
        t.Fatalf("mehfil date %q not canonical: %v", rec[model.ColMehDates], err)
    }
}

func TestProfile_Banned(t *testing.T) {
    p := newParser(t, []string{"account suspended"})
    html := `<html><body><h1>baduser</h1>
<p>Account Suspended</p>
<input type="hidden" name="tid" value="99">
<div><b>City:</b> <span>Karachi</span></div>
</body></html>`
    page := &fetch.Page{StatusCode: 200, FinalURL: "https://damadam.pk/users/baduser/", Body: html}
    rec, err := p.Profile(page, "baduser")
    if err != nil { t.Fatalf("profile: %v", err) }
    if rec[model.ColStatus] != model.StatusBanned {
        t.Fatalf("status = %q, want Banned", rec[model.ColStatus])
    }
    if rec[model.ColIntro] != "Account Suspended" {
        t.Fatalf("intro = %q, want Account Suspended", rec[model.ColIntro])
    }
    // banned pages cut extraction short, but the id grabbed earlier survives
    if rec[model.ColID] != "99" {
        t.Fatalf("id = %q, want 99", rec[model.ColID])
    }
    if _, ok := rec[model.ColCity]; ok {
        t.Fatalf("city must not be extracted from a banned page")
    }
}

func TestProfile_UnverifiedKeepsFields(t *testing.T) {
    p := newParser(t, nil)
    html := `<html><body><h1>newbie</h1>
<span>Unverified User</span>
<div><b>City:</b> <span>Multan</span></div>
</body></html>`
    page := &fetch.Page{StatusCode: 200, FinalURL: "https://damadam.pk/users/newbie/", Body: html}
    rec, err := p.Profile(page, "newbie")
    if err != nil { t.Fatalf("profile: %v", err) }
    if rec[model.ColStatus] != model.StatusUnverified {
        t.Fatalf("status = %q, want Unverified", rec[model.ColStatus])
    }
    if rec[model.ColCity] != "Multan" {
        t.Fatalf("city = %q, unverified profiles still extract fields", rec[model.ColCity])
    }
}

func TestProfile_ShapeError(t *testing.T) {
    p := newParser(t, nil)
    page := &fetch.Page{StatusCode: 200, FinalURL: "https://damadam.pk/users/ghost/", Body: "<html><body><p>nothing here</p></body></html>"}
    _, err := p.Profile(page, "ghost")
    if err == nil { t.Fatal("expected shape error for page without heading") }
    var ee *extract.Error
    if !errors.As(err, &ee) {
        t.Fatalf("error type = %T, want *extract.Error", err)
    }
}

func TestProfile_PlaceholderDropped(t *testing.T) {
    p := newParser(t, nil)
    html := `<html><body><h1>quiet</h1>
<div><b>City:</b> <span>No city</span></div>
<div><b>Age:</b> <span>no age</span></div>
</body></html>`
    page := &fetch.Page{StatusCode: 200, FinalURL: "https://damadam.pk/users/quiet/", Body: html}
    rec, err := p.Profile(page, "quiet")
    if err != nil { t.Fatalf("profile: %v", err) }
    if _, ok := rec[model.ColCity]; ok {
        t.Fatalf("placeholder city leaked: %q", rec[model.ColCity])
    }
    if _, ok := rec[model.ColAge]; ok {
        t.Fatalf("placeholder age leaked: %q", rec[model.ColAge])
    }
}

func TestOnlineNicknames_PrimaryStrategy(t *testing.T) {
    p := newParser(t, nil)
    html := `<html><body>
<b class="clb"><bdi> ali </bdi></b>
<b class="clb"><bdi>sana</bdi></b>
<b class="clb"><bdi>ali</bdi></b>
</body></html>`
    got := p.OnlineNicknames(&fetch.Page{StatusCode: 200, Body: html})
    if !reflect.DeepEqual(got, []string{"ali", "sana"}) {
        t.Fatalf("nicknames = %v, want first-seen deduped [ali sana]", got)
    }
}

func TestOnlineNicknames_RedirectFallback(t *testing.T) {
    p := newParser(t, nil)
    html := `<html><body>
<form action="/search/nickname/redirect/gul-e-rana/"><button>go</button></form>
<form action="/search/nickname/redirect/khan92/"><button>go</button></form>
</body></html>`
    got := p.OnlineNicknames(&fetch.Page{StatusCode: 200, Body: html})
    if !reflect.DeepEqual(got, []string{"gul-e-rana", "khan92"}) {
        t.Fatalf("nicknames = %v, want [gul-e-rana khan92]", got)
    }
}

func TestOnlineNicknames_Empty(t *testing.T) {
    p := newParser(t, nil)
    got := p.OnlineNicknames(&fetch.Page{StatusCode: 200, Body: "<html><body><p>nobody</p></body></html>"})
    if len(got) != 0 {
        t.Fatalf("nicknames = %v, want none", got)
    }
}

func TestSuspendedAndUnverifiedHelpers(t *testing.T) {
    if _, ok := extract.Suspended("all good", nil); ok {
        t.Fatalf("clean body flagged as suspended")
    }
    if m, ok := extract.Suspended("This ACCOUNT SUSPENDED page", nil); !ok || m != "account suspended" {
        t.Fatalf("builtin marker not matched: %q %v", m, ok)
    }
    if m, ok := extract.Suspended("banned for spam", []string{"Banned For"}); !ok || m != "banned for" {
        t.Fatalf("configured marker not matched: %q %v", m, ok)
    }
    if !extract.Unverified("<span> UNVERIFIED  user </span>") {
        t.Fatalf("badge text not detected")
    }
    if !extract.Unverified(`<div style="background:tomato">x</div>`) {
        t.Fatalf("tomato style not detected")
    }
    if extract.Unverified("<span>verified user</span>") {
        t.Fatalf("false positive on verified user")
    }
}

func TestURLBuilders(t *testing.T) {
    if got := extract.ProfileURL("https://damadam.pk/", "ali"); got != "https://damadam.pk/users/ali/" {
        t.Fatalf("profile url = %q", got)
    }
    if got := extract.PostsURL("https://damadam.pk", "ali"); got != "https://damadam.pk/profile/public/ali" {
        t.Fatalf("posts url = %q", got)
    }
}
