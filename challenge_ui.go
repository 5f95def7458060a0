package caddyturnstile

import (
	"html/template"

	"github.com/stardothosting/caddy-turnstile/component"
)

type challengePageData struct {
	Title  string
	Widget component.WidgetOptions
	Script component.ScriptOptions
}

// challengePage hosts the widget and reports the callback result. The hook
// follows the redirect in the callback response on its own.
var challengePage = template.Must(template.New("challenge").Funcs(component.FuncMap()).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <meta name="robots" content="noindex">
    <title>{{.Title}}</title>
    <style>
        * {
            margin: 0;
            padding: 0;
            box-sizing: border-box;
        }

        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            background: #f4f5f7;
            min-height: 100vh;
            display: flex;
            justify-content: center;
            align-items: center;
            padding: 20px;
        }

        .container {
            background: white;
            border-radius: 12px;
            box-shadow: 0 10px 40px rgba(0, 0, 0, 0.12);
            max-width: 460px;
            width: 100%;
            padding: 40px;
            text-align: center;
        }

        h1 {
            color: #1a202c;
            font-size: 24px;
            margin-bottom: 12px;
        }

        p {
            color: #718096;
            font-size: 15px;
            line-height: 1.6;
        }

        .turnstile-box {
            margin: 28px 0 8px;
            display: flex;
            justify-content: center;
            min-height: 24px;
        }

        #message {
            padding: 12px 20px;
            border-radius: 8px;
            margin-top: 20px;
            font-size: 14px;
            display: none;
        }

        #message.error {
            background: #fee;
            color: #c33;
            border: 1px solid #fcc;
        }

        #message.success {
            background: #efe;
            color: #3a3;
            border: 1px solid #cfc;
        }

        footer {
            margin-top: 28px;
            padding-top: 20px;
            border-top: 1px solid #e2e8f0;
            color: #a0aec0;
            font-size: 13px;
        }

        footer a {
            color: #f38020;
            text-decoration: none;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>{{.Title}}</h1>
        <p>Checking your browser before continuing. This only takes a moment.</p>

        <div class="turnstile-box">
            {{turnstile_widget .Widget}}
        </div>

        <div id="message"></div>

        <footer>
            Protected by <a href="https://www.cloudflare.com/products/turnstile/" target="_blank" rel="noopener">Cloudflare Turnstile</a>
        </footer>
    </div>

    {{turnstile_script .Script}}
    <script>
        document.addEventListener("turnstile:result", function (ev) {
            var message = document.getElementById("message");
            var body = ev.detail || {};
            if (body.verified) {
                message.textContent = "Verification successful. Redirecting...";
                message.className = "success";
                if (!body.redirect) {
                    window.location.assign("/");
                }
            } else if (body.error) {
                message.textContent = "Verification failed, retrying.";
                message.className = "error";
            }
            message.style.display = "block";
        });
    </script>
</body>
</html>
`))
