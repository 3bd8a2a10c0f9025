package detail

import (
	"strings"
	"testing"
)

func TestText_Readability(t *testing.T) {
	body := `<html><head><title>Application 2026/0001/P</title></head><body>
<nav>Home | Search | Help</nav>
<div id="pa"><div class="tabcontainer">
<h1>Application Summary</h1>
<table id="simpleDetailsTable">
<tr><th>Proposal</th><td>Installation of remote subsidence monitoring equipment on the rear elevation, including cabling and a data logger, for a period of 24 months.</td></tr>
<tr><th>Status</th><td>Pending Consideration</td></tr>
</table>
<p>The applicant has submitted a noise and vibration management plan in support of the proposal. Monitoring data will be shared with the council on a monthly basis.</p>
</div></div>
<script>var tracking = "noise";</script>
</body></html>`

	got := Text([]byte(body), "https://planning.example.gov.uk/online-applications/applicationDetails.do?keyVal=A")
	if !strings.Contains(got, "vibration management plan") {
		t.Errorf("main text missing body paragraph: %q", got)
	}
	if strings.Contains(got, "var tracking") {
		t.Errorf("script leaked into text: %q", got)
	}
}

func TestText_FallbackForShortPages(t *testing.T) {
	body := `<html><body><script>x()</script><p>Dust   monitoring</p></body></html>`
	got := Text([]byte(body), "https://planning.example.gov.uk/a")
	if got != "Dust monitoring" {
		t.Errorf("Text = %q, want %q", got, "Dust monitoring")
	}
}

func TestText_Empty(t *testing.T) {
	if got := Text(nil, "::bad url"); got != "" {
		t.Errorf("Text(nil) = %q, want empty", got)
	}
}
