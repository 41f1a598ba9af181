package api

// checkPageHTML is shown in a tab while its check runs. It follows the tab's
// effect stream. It uploads one camera frame per check, asks the user on
// show_warning and goes back to the shop on allow_return.
// Query: ?tab_id=ID&originalUrl=URL.
const checkPageHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Impulse Guard</title>
  <style>
    body { font-family: sans-serif; background: #111; color: #eee; display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; }
    main { max-width: 460px; text-align: center; }
    button { margin: 8px; padding: 8px 14px; cursor: pointer; }
    .hidden { display: none; }
  </style>
</head>
<body>
<main>
  <p id="status">Checking in before you buy...</p>
  <div id="choices" class="hidden">
    <button data-choice="abandon">Go back</button>
    <button data-choice="proceed">Continue anyway</button>
  </div>
</main>
<script>
(() => {
  const q = new URLSearchParams(location.search);
  const tabID = q.get("tab_id");
  const original = q.get("originalUrl");
  const status = document.getElementById("status");
  const choices = document.getElementById("choices");
  if (!tabID) { status.textContent = "Missing tab_id."; return; }
  const base = "/api/v1/tabs/" + encodeURIComponent(tabID);
  let checkID = "";
  let grabbed = "";

  const post = (path, body) => fetch(base + path, {method: "POST", headers: {"Content-Type": "application/json"}, body: JSON.stringify(body)});

  async function grab(id) {
    if (!id || grabbed === id) return;
    grabbed = id;
    let stream;
    try {
      stream = await navigator.mediaDevices.getUserMedia({video: true});
    } catch (e) {
      const code = (e.name === "NotAllowedError" || e.name === "SecurityError") ? "permission_denied" : "device_unavailable";
      return post("/frame", {check_id: id, error: code, message: e.message});
    }
    try {
      const video = document.createElement("video");
      video.srcObject = stream;
      video.muted = true;
      await video.play();
      await new Promise(r => setTimeout(r, 700));
      const canvas = document.createElement("canvas");
      canvas.width = video.videoWidth || 640;
      canvas.height = video.videoHeight || 480;
      canvas.getContext("2d").drawImage(video, 0, 0, canvas.width, canvas.height);
      return post("/frame", {check_id: id, image_base64: canvas.toDataURL("image/jpeg", 0.85)});
    } finally {
      stream.getTracks().forEach(t => t.stop());
    }
  }

  choices.addEventListener("click", (ev) => {
    const choice = ev.target.dataset.choice;
    if (!choice) return;
    post("/decision", {choice: choice, check_id: checkID}).finally(() => {
      if (choice === "proceed" && original) location.href = original;
      else history.go(-2);
    });
  });

  // The check may have started before this page loaded.
  fetch("/api/v1/tabs").then(r => r.json()).then(st => {
    const tab = (st.tabs || []).find(t => t.tab_id === tabID && t.phase === "pending_check");
    if (tab) {
      checkID = tab.check_id;
      return grab(tab.check_id);
    }
  }).catch(() => {});

  const events = new EventSource("/api/v1/events?tab_id=" + encodeURIComponent(tabID));
  events.addEventListener("begin_check", (ev) => {
    checkID = JSON.parse(ev.data).check_id;
    grab(checkID).catch(() => {});
  });
  events.addEventListener("show_warning", (ev) => {
    const eff = JSON.parse(ev.data);
    checkID = eff.check_id;
    status.textContent = eff.message;
    choices.classList.remove("hidden");
  });
  events.addEventListener("allow_return", (ev) => {
    const eff = JSON.parse(ev.data);
    events.close();
    location.href = eff.location || original;
  });
})();
</script>
</body>
</html>`

// capturePageHTML is the page the capture browser keeps open; frames are
// grabbed from it by script, so it only needs a secure origin.
const capturePageHTML = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8" /><title>Impulse Guard capture</title></head>
<body style="background:#000;color:#555;font:12px sans-serif">camera capture tab</body>
</html>`
