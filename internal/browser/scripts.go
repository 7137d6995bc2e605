package browser

import (
	"encoding/json"
	"fmt"
)

// bindingName is the page-side function the message bridge reports through.
const bindingName = "__bookingwatchMessage"

// messageBridgeScript forwards every window message to the binding. It runs before any page
// script on every document the tab loads.
const messageBridgeScript = `(() => {
  if (window.__bookingwatchBridge) { return; }
  window.__bookingwatchBridge = true;
  window.addEventListener('message', (event) => {
    let payload;
    try {
      payload = JSON.stringify({ origin: event.origin, data: event.data });
    } catch (e) {
      payload = JSON.stringify({ origin: event.origin, data: String(event.data) });
    }
    try { window.` + bindingName + `(payload); } catch (e) {}
  }, true);
})();`

// fingerprintScript collects the coarse device properties used for the session fingerprint.
const fingerprintScript = `(() => {
  let canvasHash = '';
  try {
    const canvas = document.createElement('canvas');
    const ctx = canvas.getContext('2d');
    ctx.textBaseline = 'top';
    ctx.font = '14px Arial';
    ctx.fillText('bookingwatch', 2, 2);
    canvasHash = canvas.toDataURL().slice(-50);
  } catch (e) {}
  return {
    canvasHash: canvasHash,
    userAgent: navigator.userAgent,
    screenWidth: screen.width,
    screenHeight: screen.height,
    colorDepth: screen.colorDepth,
    timezoneOffset: new Date().getTimezoneOffset(),
    hardwareConcurrency: navigator.hardwareConcurrency || 0
  };
})()`

// serializeArgFunction is called on console arguments that are objects.
const serializeArgFunction = `function() {
  try { return JSON.parse(JSON.stringify(this)); } catch (e) { return String(this); }
}`

// replaceStateExpression rewrites the address bar without navigating.
func replaceStateExpression(rawURL string) (string, error) {
	quoted, err := json.Marshal(rawURL)
	if err != nil {
		return "", fmt.Errorf("quote url: %w", err)
	}
	return fmt.Sprintf("history.replaceState(history.state, '', %s)", quoted), nil
}
