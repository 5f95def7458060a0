package component

// HookJS mounts a widget controller on every [data-turnstile] element.
// It mirrors the widget package: every failure ends in a bypass token.
const HookJS = `(function () {
  "use strict";

  var SCRIPT_SRC = "https://challenges.cloudflare.com/turnstile/v0/api.js?render=explicit";
  var POLL_INTERVAL = 100;
  var SCRIPT_TIMEOUT = 5000;
  var SETTLE_DELAY = 10;
  var RENDER_TIMEOUT = 6000;

  function Controller(el) {
    this.el = el;
    this.widgetId = null;
    this.timeout = null;
    this.poll = null;
    this.destroyed = false;
    this.failed = false;
  }

  Controller.prototype.push = function (token) {
    var self = this;
    var url = this.el.dataset.callbackUrl || "/turnstile/callback";
    fetch(url, {
      method: "POST",
      credentials: "same-origin",
      headers: { "Content-Type": "application/json" },
      body: JSON.stringify({ event: "turnstile_callback", token: token })
    }).then(function (resp) {
      return resp.json();
    }).then(function (body) {
      if (body && body.event === "reset_turnstile") {
        self.reset();
      } else if (body && body.redirect) {
        window.location.assign(body.redirect);
      }
      self.el.dispatchEvent(new CustomEvent("turnstile:result", { detail: body, bubbles: true }));
    }).catch(function (e) {
      console.error("[turnstile] callback failed", e);
    });
  };

  Controller.prototype.bypass = function (reason) {
    if (this.failed) {
      console.debug("[turnstile] ignoring late failure:", reason);
      return;
    }
    this.failed = true;
    console.warn("[turnstile] bypass:", reason);
    this.push("bypass-" + reason);
  };

  Controller.prototype.mount = function () {
    var self = this;
    var siteKey = this.el.dataset.sitekey;
    if (!siteKey || siteKey === "undefined" || siteKey === "null") {
      this.bypass("no-key");
      return;
    }
    this.siteKey = siteKey;
    this.containerId = this.el.dataset.containerId;

    try {
      if (window.turnstile) {
        setTimeout(function () { self.render(); }, SETTLE_DELAY);
        return;
      }
      if (document.querySelector('script[src="' + SCRIPT_SRC + '"]')) {
        var waited = 0;
        this.poll = setInterval(function () {
          waited += POLL_INTERVAL;
          if (window.turnstile) {
            clearInterval(self.poll);
            self.poll = null;
            self.render();
          } else if (waited >= SCRIPT_TIMEOUT) {
            clearInterval(self.poll);
            self.poll = null;
            self.bypass("script-timeout");
          }
        }, POLL_INTERVAL);
        return;
      }
      var script = document.createElement("script");
      script.src = SCRIPT_SRC;
      script.async = true;
      script.defer = true;
      script.onload = function () { self.render(); };
      script.onerror = function () { self.bypass("script-error"); };
      document.head.appendChild(script);
    } catch (e) {
      console.error("[turnstile] mount failed", e);
      this.bypass("mount-error");
    }
  };

  Controller.prototype.render = function () {
    var self = this;
    if (this.destroyed || this.widgetId !== null) {
      return;
    }
    try {
      if (!window.turnstile) {
        this.bypass("no-api");
        return;
      }
      if (typeof window.turnstile.render !== "function") {
        console.error("[turnstile] window.turnstile has no render(); is an element id set to \"turnstile\"?");
        this.bypass("no-render-method");
        return;
      }
      var container = document.getElementById(this.containerId);
      if (!container) {
        this.bypass("no-container");
        return;
      }
      if (container.querySelector("iframe") || container.querySelector('[id^="cf-chl-widget-"]')) {
        return;
      }
      container.innerHTML = "";
      this.widgetId = window.turnstile.render(container, {
        sitekey: this.siteKey,
        theme: "auto",
        size: "invisible",
        callback: function (token) {
          self.clearTimeout();
          self.push(token);
        },
        "error-callback": function () {
          self.clearTimeout();
          self.bypass("widget-error");
        },
        "expired-callback": function () {
          self.push(null);
        },
        "timeout-callback": function () {
          self.clearTimeout();
          self.bypass("widget-timeout");
        }
      });
      if (this.widgetId === undefined || this.widgetId === null) {
        this.widgetId = null;
        this.bypass("render-error");
        return;
      }
      this.timeout = setTimeout(function () {
        self.timeout = null;
        self.bypass("timeout");
      }, RENDER_TIMEOUT);
    } catch (e) {
      console.error("[turnstile] render failed", e);
      this.bypass("render-error");
    }
  };

  Controller.prototype.clearTimeout = function () {
    if (this.timeout !== null) {
      clearTimeout(this.timeout);
      this.timeout = null;
    }
  };

  Controller.prototype.reset = function () {
    if (this.widgetId === null) {
      return;
    }
    try {
      window.turnstile.reset(this.widgetId);
      this.failed = false;
    } catch (e) {
      console.warn("[turnstile] reset failed", e);
    }
  };

  Controller.prototype.destroy = function () {
    this.destroyed = true;
    this.clearTimeout();
    if (this.poll !== null) {
      clearInterval(this.poll);
      this.poll = null;
    }
    if (this.widgetId !== null) {
      try {
        window.turnstile.remove(this.widgetId);
      } catch (e) {
        console.warn("[turnstile] remove failed", e);
      }
      this.widgetId = null;
    }
  };

  function mountAll() {
    var nodes = document.querySelectorAll("[data-turnstile]");
    for (var i = 0; i < nodes.length; i++) {
      if (nodes[i].__turnstile) {
        continue;
      }
      var c = new Controller(nodes[i]);
      nodes[i].__turnstile = c;
      nodes[i].addEventListener("reset_turnstile", c.reset.bind(c));
      nodes[i].addEventListener("turnstile:destroy", c.destroy.bind(c));
      c.mount();
    }
  }

  if (document.readyState === "loading") {
    document.addEventListener("DOMContentLoaded", mountAll);
  } else {
    mountAll();
  }
})();
`
