package browser

// Every script returns a JSON string so results decode straight into the
// capture types.

const renderStateJS = `(pattern, minW, minH) => {
	const re = new RegExp(pattern, 'i');
	const tiles = Array.from(document.querySelectorAll('img')).filter(i =>
		i.naturalWidth > 0 &&
		i.naturalHeight > 0 &&
		i.offsetParent !== null &&
		re.test(i.src || '')
	).length;
	const canvases = Array.from(document.querySelectorAll('canvas')).filter(c =>
		c.width >= minW && c.height >= minH && c.offsetParent !== null
	).length;
	return JSON.stringify({ tiles, canvases });
}`

const measureJS = `(selector) => {
	const el = document.querySelector(selector);
	if (!el) return JSON.stringify({ found: false });
	const r = el.getBoundingClientRect();
	const style = window.getComputedStyle(el);
	const visible = r.width > 0 && r.height > 0 &&
		style.visibility !== 'hidden' && style.display !== 'none';
	return JSON.stringify({
		found: true,
		visible,
		x: r.left + window.scrollX,
		y: r.top + window.scrollY,
		width: r.width,
		height: r.height,
	});
}`

const largestMediaJS = `(marker) => {
	document.querySelectorAll('[' + marker + ']').forEach(e => e.removeAttribute(marker));
	let best = null, bestArea = 0;
	for (const e of document.querySelectorAll('canvas, img')) {
		if (e.offsetParent === null) continue;
		const r = e.getBoundingClientRect();
		const area = r.width * r.height;
		if (area > bestArea) { best = e; bestArea = area; }
	}
	if (!best) return JSON.stringify({ found: false });
	best.setAttribute(marker, '');
	const r = best.getBoundingClientRect();
	return JSON.stringify({
		found: true,
		visible: true,
		x: r.left + window.scrollX,
		y: r.top + window.scrollY,
		width: r.width,
		height: r.height,
	});
}`
